package datapackage

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

const signatureLength = 65

// DefaultCacheSize 签名恢复结果缓存的默认容量
const DefaultCacheSize = 4096

// Sign 使用私钥为数据包签名，签名的 v 为 27/28
func Sign(pkg *SignedPackage, key *ecdsa.PrivateKey) error {
	hash, err := pkg.Hash()
	if err != nil {
		return err
	}

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("sign data package: %w", err)
	}
	sig[64] += 27

	pkg.Signature = base64.StdEncoding.EncodeToString(sig)
	pkg.SignerAddress = crypto.PubkeyToAddress(key.PublicKey).Hex()
	return nil
}

// Verifier 从签名中恢复签名者地址，相同的 (hash, signature) 只恢复一次
type Verifier struct {
	cache *lru.Cache[string, common.Address]
}

// NewVerifier 创建 Verifier，size 为缓存容量
func NewVerifier(size int) (*Verifier, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, common.Address](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer cache: %w", err)
	}
	return &Verifier{cache: cache}, nil
}

// Recover 恢复数据包的签名者
func (v *Verifier) Recover(pkg *SignedPackage) (common.Address, error) {
	hash, err := pkg.Hash()
	if err != nil {
		return common.Address{}, err
	}

	sig, err := base64.StdEncoding.DecodeString(pkg.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	key := string(hash) + string(sig)
	if addr, ok := v.cache.Get(key); ok {
		return addr, nil
	}

	addr, err := RecoverAddress(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	v.cache.Add(key, addr)
	return addr, nil
}

// RecoverAddress 从消息哈希和 [R || S || V] 格式的签名中恢复地址，V 可以是 27/28 或 0/1
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != signatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d, expected %d", ErrInvalidSignature, len(signature), signatureLength)
	}

	sig := make([]byte, signatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id %d", ErrInvalidSignature, signature[64])
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// NormalizeAddress 将地址转换为校验和格式
func NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return common.HexToAddress(address).Hex(), nil
}
