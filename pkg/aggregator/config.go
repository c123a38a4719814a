package aggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/chenxilol/pricehub/pkg/datapackage"
)

// MaxPackageStaleness 缓冲区和最后发布记录的最大保留时间
const MaxPackageStaleness = 2 * time.Minute

// ScheduledPublishTTL 延迟发布记录的保留时间
const ScheduledPublishTTL = MaxPackageStaleness

var ErrInvalidConfig = errors.New("invalid aggregator config")

// Config 聚合器配置，实例生命周期内不可变
type Config struct {
	// 数据服务 id，例如 redstone-primary-prod
	DataServiceID string `mapstructure:"data_service_id"`

	// 需要聚合的 feed
	DataPackageIDs []string `mapstructure:"data_package_ids"`

	// 每个 feed 发布时需要的不同签名者数量
	UniqueSignersCount int `mapstructure:"unique_signers_count"`

	// 开始计划发布前每个 feed 至少需要的签名者数量，不能小于 UniqueSignersCount
	MinimalOffChainSignersCount int `mapstructure:"minimal_off_chain_signers_count"`

	// 满足最少签名者后继续等待其他签名者的时间
	WaitForOtherSigners time.Duration `mapstructure:"wait_for_other_signers"`

	// 为 true 时任意一个 feed 满足条件即可计划发布，否则需要全部 feed 满足
	IgnoreMissingFeeds bool `mapstructure:"ignore_missing_feeds"`

	// 只接受这些签名者的数据包
	AuthorizedSigners []string `mapstructure:"authorized_signers"`
}

// Validate 检查配置
func (c Config) Validate() error {
	if len(c.AuthorizedSigners) == 0 {
		return fmt.Errorf("%w: at least one authorized signer is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.AuthorizedSigners))
	for _, signer := range c.AuthorizedSigners {
		normalized, err := datapackage.NormalizeAddress(signer)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if _, ok := seen[normalized]; ok {
			return fmt.Errorf("%w: duplicate authorized signer %s", ErrInvalidConfig, signer)
		}
		seen[normalized] = struct{}{}
	}
	if len(c.AuthorizedSigners) < c.UniqueSignersCount {
		return fmt.Errorf("%w: authorized signers count %d has to be >= unique signers count %d",
			ErrInvalidConfig, len(c.AuthorizedSigners), c.UniqueSignersCount)
	}
	if c.MinimalOffChainSignersCount < c.UniqueSignersCount {
		return fmt.Errorf("%w: minimal off-chain signers count %d has to be >= unique signers count %d",
			ErrInvalidConfig, c.MinimalOffChainSignersCount, c.UniqueSignersCount)
	}
	if c.UniqueSignersCount < 1 {
		return fmt.Errorf("%w: unique signers count has to be positive", ErrInvalidConfig)
	}
	if len(c.DataPackageIDs) == 0 {
		return fmt.Errorf("%w: at least one data package id is required", ErrInvalidConfig)
	}
	if c.DataServiceID == "" {
		return fmt.Errorf("%w: data service id is required", ErrInvalidConfig)
	}
	if c.WaitForOtherSigners < 0 {
		return fmt.Errorf("%w: negative wait for other signers", ErrInvalidConfig)
	}
	return nil
}
