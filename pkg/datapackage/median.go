package datapackage

import (
	"fmt"
	"math"
	"sort"
)

// PickClosestToMedian 选出数值最接近中位数的 n 个数据包，
// 距离相同时保持原有顺序
func PickClosestToMedian(pkgs []SignedPackage, n int) ([]SignedPackage, error) {
	if n <= 0 || len(pkgs) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPackages, len(pkgs), n)
	}

	values := make([]float64, len(pkgs))
	for i := range pkgs {
		values[i] = pkgs[i].Value()
	}
	median := Median(values)

	picked := make([]SignedPackage, len(pkgs))
	copy(picked, pkgs)
	sort.SliceStable(picked, func(i, j int) bool {
		return math.Abs(picked[i].Value()-median) < math.Abs(picked[j].Value()-median)
	})
	return picked[:n], nil
}

// Median 返回中位数，偶数个时取中间两个的平均值
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
