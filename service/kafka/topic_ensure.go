package kafka

import (
	"errors"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/tools/errs"
)

func topicDetail(c Config) *sarama.TopicDetail {
	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2" // rf>=3 则至少 2
	}
	partitions := c.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	rf := c.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	return &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: rf,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 strPtr("delete"), // 历史由 persister 落库，topic 只做缓冲
			"min.insync.replicas":            strPtr(minISR),
			"unclean.leader.election.enable": strPtr("false"),
			"compression.type":               strPtr("producer"),
		},
	}
}

// EnsureTopics 会：
// 1) 不存在就按配置创建；
// 2) 已存在且分区数 < 期望值时扩分区（Kafka 仅支持增加分区，不能减少）。
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, c Config) error {
	td := topicDetail(c)
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return errs.WrapMsg(err, "describe topic", "topic", t)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		if !exists {
			if err := admin.CreateTopic(t, td, false); err != nil {
				// CreateTopic 可能返回 *sarama.TopicError 或通用 error
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					logger.Info("kafka topic exists (race)", zap.String("topic", t))
					continue
				}
				return errs.WrapMsg(err, "create topic", "topic", t)
			}
			logger.Info("kafka topic created", zap.String("topic", t),
				zap.Int32("partitions", td.NumPartitions), zap.Int16("rf", td.ReplicationFactor))
			continue
		}

		// 已存在：必要时扩分区
		cur := int32(len(descs[0].Partitions))
		if td.NumPartitions > cur {
			if err := admin.CreatePartitions(t, td.NumPartitions, nil, false); err != nil {
				return errs.WrapMsg(err, "expand partitions", "topic", t, "from", cur, "to", td.NumPartitions)
			}
			logger.Info("kafka partitions expanded", zap.String("topic", t),
				zap.Int32("from", cur), zap.Int32("to", td.NumPartitions))
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
