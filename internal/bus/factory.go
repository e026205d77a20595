package bus

import (
	"fmt"
	"strings"

	"github.com/blockplane/blockplane/internal/config"
	"github.com/blockplane/blockplane/internal/utils"
)

// NewSubscriber creates a Subscriber based on the bus configuration
func NewSubscriber(cfg config.BusConfig, subCfg Config) (Subscriber, error) {
	busType := utils.BusType(strings.ToLower(cfg.Type))

	// Default to NATS if not specified
	if busType == "" {
		busType = utils.BusTypeNATS
	}

	switch busType {
	case utils.BusTypeNATS:
		return NewNATSSubscriber(cfg.URL, subCfg.InstanceID, subCfg.ConsumerGroup)
	case utils.BusTypeRedis:
		addr := cfg.URL
		if addr == "" {
			addr = "localhost:6379"
		}
		group := cfg.RedisGroup
		if group == "" {
			group = subCfg.ConsumerGroup
		}
		consumer := cfg.RedisConsumer
		if consumer == "" {
			consumer = subCfg.InstanceID
		}
		return NewRedisSubscriber(addr, cfg.Password, cfg.RedisDB, cfg.RedisStream, group, consumer)
	case utils.BusTypeKafka:
		group := cfg.KafkaGroupID
		if group == "" {
			group = subCfg.ConsumerGroup
		}
		return NewKafkaSubscriber(cfg.KafkaBrokers, group)
	case utils.BusTypeMemory:
		return NewMemorySubscriber()
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", busType)
	}
}
