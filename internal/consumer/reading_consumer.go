package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"healthfolio-alert/internal/config"
	"healthfolio-alert/internal/models"
	redisutil "healthfolio-alert/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Ingestor 读数摄取接口（由 service.AlertService 实现）
type Ingestor interface {
	// Ingest 处理单条读数，返回摄取结果
	Ingest(ctx context.Context, reading models.MetricReading) (models.IngestResult, error)
}

// ReadingConsumer 读数流消费者（Redis Streams 消费者组）
// 设备网关把读数发布到流里，消费者逐条送入报警管线
type ReadingConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewReadingConsumer 创建读数流消费者
func NewReadingConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *ReadingConsumer {
	return &ReadingConsumer{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Start 启动消费者（阻塞直到 ctx 取消）
func (c *ReadingConsumer) Start(ctx context.Context, ingestor Ingestor) error {
	stream := c.config.Alert.Stream.Name
	group := c.config.Alert.Stream.Group

	// 确保消费者组存在
	if err := redisutil.CreateConsumerGroup(ctx, c.redisClient, stream, group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Reading consumer started",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("consumer", c.config.Alert.Stream.Consumer),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Reading consumer stopped")
			return nil
		default:
		}

		messages, err := redisutil.ReadFromStream(
			ctx,
			c.redisClient,
			stream,
			group,
			c.config.Alert.Stream.Consumer,
			c.config.Alert.Stream.BatchSize,
		)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("Failed to read from stream",
				zap.String("stream", stream),
				zap.Error(err),
			)
			// 短暂等待后重试，不中断
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			c.handleMessage(ctx, ingestor, msg)

			// 无论成功失败都确认消息：校验失败的读数重试也不会成功
			if err := c.redisClient.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
				c.logger.Error("Failed to ack stream message",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// handleMessage 处理单条流消息
// 单条失败只记日志，管线对其他读数继续运行
func (c *ReadingConsumer) handleMessage(ctx context.Context, ingestor Ingestor, msg redisutil.StreamMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		c.logger.Warn("Stream message missing data field",
			zap.String("message_id", msg.ID),
		)
		return
	}

	var reading models.MetricReading
	if err := json.Unmarshal([]byte(raw), &reading); err != nil {
		c.logger.Warn("Failed to decode reading from stream",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}

	result, err := ingestor.Ingest(ctx, reading)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.logger.Warn("Rejected invalid reading",
				zap.String("message_id", msg.ID),
				zap.String("user_id", reading.UserID),
				zap.String("metric_type", string(reading.MetricType)),
				zap.Error(err),
			)
			return
		}
		c.logger.Error("Failed to ingest reading",
			zap.String("message_id", msg.ID),
			zap.String("user_id", reading.UserID),
			zap.String("metric_type", string(reading.MetricType)),
			zap.Error(err),
		)
		return
	}

	if result.AlertsCreated > 0 || result.AlertsEscalated > 0 {
		c.logger.Info("Reading produced alert action",
			zap.String("user_id", reading.UserID),
			zap.String("metric_type", string(reading.MetricType)),
			zap.Int("alerts_created", result.AlertsCreated),
			zap.Int("alerts_escalated", result.AlertsEscalated),
		)
	}
}
