// Package datapackage 定义签名数据包模型以及校验、签名恢复和中位数选择
package datapackage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSchema     = errors.New("data package does not match schema")
	ErrInvalidSignature  = errors.New("invalid data package signature")
	ErrNotEnoughPackages = errors.New("not enough data packages to pick from")
)

// DefaultDecimals 数值编码为 uint256 时默认的小数位数
const DefaultDecimals = 8

const (
	feedIDBytes      = 32
	valueBytes       = 32
	timestampBytes   = 6
	valueSizeBytes   = 4
	pointsCountBytes = 3
)

// DataPoint 单个 feed 的数值
type DataPoint struct {
	DataFeedID string  `json:"dataFeedId"`
	Value      float64 `json:"value"`
	Decimals   int     `json:"decimals,omitempty"`
}

// SignedPackage 由某个签名者签名的数据包。
// SignerAddress 来自消息本身，不可信；经 Verifier 恢复后会被覆盖为真实签名者
type SignedPackage struct {
	DataPackageID         string      `json:"dataPackageId"`
	DataPoints            []DataPoint `json:"dataPoints"`
	TimestampMilliseconds int64       `json:"timestampMilliseconds"`
	Signature             string      `json:"signature"`
	SignerAddress         string      `json:"signerAddress,omitempty"`
	DataServiceID         string      `json:"dataServiceId,omitempty"`
}

// Value 返回代表该数据包的数值，即第一个数据点的值
func (p *SignedPackage) Value() float64 {
	if len(p.DataPoints) == 0 {
		return 0
	}
	return p.DataPoints[0].Value
}

// SignableBytes 返回被签名的字节序列：
// 按 feed id 排序的 (bytes32 feedId, uint256 value)，随后是 6 字节时间戳、4 字节数值长度和 3 字节数据点数量
func (p *SignedPackage) SignableBytes() ([]byte, error) {
	points := make([]DataPoint, len(p.DataPoints))
	copy(points, p.DataPoints)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].DataFeedID < points[j].DataFeedID
	})

	buf := make([]byte, 0, len(points)*(feedIDBytes+valueBytes)+timestampBytes+valueSizeBytes+pointsCountBytes)
	for _, point := range points {
		if len(point.DataFeedID) > feedIDBytes {
			return nil, fmt.Errorf("%w: data feed id %q longer than %d bytes", ErrInvalidSchema, point.DataFeedID, feedIDBytes)
		}
		var feedID [feedIDBytes]byte
		copy(feedID[:], point.DataFeedID)
		buf = append(buf, feedID[:]...)

		value, err := encodeValue(point)
		if err != nil {
			return nil, err
		}
		buf = append(buf, value...)
	}

	var timestamp [8]byte
	binary.BigEndian.PutUint64(timestamp[:], uint64(p.TimestampMilliseconds))
	buf = append(buf, timestamp[8-timestampBytes:]...)

	var valueSize [4]byte
	binary.BigEndian.PutUint32(valueSize[:], valueBytes)
	buf = append(buf, valueSize[:]...)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(points)))
	buf = append(buf, count[4-pointsCountBytes:]...)

	return buf, nil
}

// Hash 返回签名字节的 keccak256
func (p *SignedPackage) Hash() ([]byte, error) {
	signable, err := p.SignableBytes()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(signable), nil
}

func encodeValue(point DataPoint) ([]byte, error) {
	decimals := point.Decimals
	if decimals <= 0 {
		decimals = DefaultDecimals
	}
	if point.Value < 0 {
		return nil, fmt.Errorf("%w: negative value for %s", ErrInvalidSchema, point.DataFeedID)
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled, _ := new(big.Float).Mul(big.NewFloat(point.Value), scale).Int(nil)
	if scaled.BitLen() > valueBytes*8 {
		return nil, fmt.Errorf("%w: value overflow for %s", ErrInvalidSchema, point.DataFeedID)
	}

	out := make([]byte, valueBytes)
	scaled.FillBytes(out)
	return out, nil
}

// Response 按 feed id 分组的数据包
type Response map[string][]SignedPackage

// FeedIDs 返回排序后的 feed id
func (r Response) FeedIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Timestamp 返回按 feed id 排序后第一个非空分组的时间戳
func (r Response) Timestamp() (int64, bool) {
	for _, id := range r.FeedIDs() {
		if pkgs := r[id]; len(pkgs) > 0 {
			return pkgs[0].TimestampMilliseconds, true
		}
	}
	return 0, false
}
