// Package topic 负责主题标识与传输层主题字符串之间的编解码
package topic

import (
	"net/url"
	"strings"
)

// DataPackagePrefix 数据包主题的首段
const DataPackagePrefix = "data-package"

const (
	// SingleLevelWildcard 单层通配符
	SingleLevelWildcard = "+"
	// MultiLevelWildcard 多层通配符
	MultiLevelWildcard = "#"
	// ReservedPrefix 保留主题前缀，仅在首段生效
	ReservedPrefix = "$"
)

// 每个连接的 broker 限制为 100 req/s，
// 每个 (feed, signer) 主题每秒产生 3 条消息 (main, fallback, fast)
const (
	maxRequestsPerConnection = 100
	messagesPerTopic         = 3
)

// DataPackageTopic 数据包主题的结构化表示
type DataPackageTopic struct {
	DataServiceID string
	DataPackageID string
	NodeAddress   string
}

// CountPerConnection 返回单个连接可以承载的主题数量
func CountPerConnection() int {
	return maxRequestsPerConnection / messagesPerTopic
}

// EncodeDataPackage 编码为 data-package/{service}/{feed}/{signer}
func EncodeDataPackage(t DataPackageTopic) string {
	return Encode([]string{DataPackagePrefix, t.DataServiceID, t.DataPackageID, t.NodeAddress})
}

// DecodeDataPackage 解析 data-package 主题，段数不足时对应字段为空
func DecodeDataPackage(encoded string) DataPackageTopic {
	parts := DecodeParts(encoded)
	var t DataPackageTopic
	if len(parts) > 1 {
		t.DataServiceID = parts[1]
	}
	if len(parts) > 2 {
		t.DataPackageID = parts[2]
	}
	if len(parts) > 3 {
		t.NodeAddress = parts[3]
	}
	return t
}

// Encode 按段百分号编码后用 / 拼接，通配符和首段保留前缀原样保留
func Encode(parts []string) string {
	encoded := make([]string, 0, len(parts))
	for i, part := range parts {
		if passthrough(part, i) {
			encoded = append(encoded, part)
			continue
		}
		encoded = append(encoded, escapeComponent(part))
	}
	return strings.Join(encoded, "/")
}

// Decode 解码主题并重新以 / 拼接
func Decode(topic string) string {
	return strings.Join(DecodeParts(topic), "/")
}

// DecodeParts 逐段解码主题，无法解码的段保持原样
func DecodeParts(topic string) []string {
	segments := strings.Split(topic, "/")
	parts := make([]string, 0, len(segments))
	for i, segment := range segments {
		if passthrough(segment, i) {
			parts = append(parts, segment)
			continue
		}
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			decoded = segment
		}
		parts = append(parts, decoded)
	}
	return parts
}

// IsWildcard 判断主题段是否为通配符
func IsWildcard(segment string) bool {
	return segment == SingleLevelWildcard || segment == MultiLevelWildcard
}

// HasWildcard 判断主题中是否存在通配符段
func HasWildcard(topic string) bool {
	for _, segment := range strings.Split(topic, "/") {
		if IsWildcard(segment) {
			return true
		}
	}
	return false
}

// Match 判断已编码主题是否匹配订阅过滤器，+ 匹配单段，# 匹配剩余所有段
func Match(filter, topic string) bool {
	filterSegments := strings.Split(filter, "/")
	topicSegments := strings.Split(topic, "/")
	for i, segment := range filterSegments {
		if segment == MultiLevelWildcard {
			return true
		}
		if i >= len(topicSegments) {
			return false
		}
		if segment != SingleLevelWildcard && segment != topicSegments[i] {
			return false
		}
	}
	return len(filterSegments) == len(topicSegments)
}

func passthrough(segment string, index int) bool {
	if IsWildcard(segment) {
		return true
	}
	return index == 0 && strings.HasPrefix(segment, ReservedPrefix)
}

const upperHex = "0123456789ABCDEF"

// escapeComponent 只保留 A-Z a-z 0-9 - _ . ! ~ * ' ( )，其余字节一律 %XX
func escapeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
