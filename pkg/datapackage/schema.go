package datapackage

import (
	"fmt"
	"strconv"

	"github.com/juju/schema"
)

var dataPointChecker = schema.FieldMap(
	schema.Fields{
		"dataFeedId": schema.String(),
		"value":      schema.OneOf(schema.Float(), schema.String()),
		"decimals":   schema.ForceInt(),
	},
	schema.Defaults{
		"decimals": schema.Omit,
	},
)

var packageChecker = schema.FieldMap(
	schema.Fields{
		"dataPackageId":         schema.String(),
		"dataPoints":            schema.List(dataPointChecker),
		"timestampMilliseconds": schema.ForceInt(),
		"signature":             schema.String(),
		"signerAddress":         schema.String(),
		"dataServiceId":         schema.String(),
	},
	schema.Defaults{
		"signerAddress": schema.Omit,
		"dataServiceId": schema.Omit,
	},
)

// ParsePlain 校验反序列化后的普通对象并转换为 SignedPackage
func ParsePlain(v any) (*SignedPackage, error) {
	coerced, err := packageChecker.Coerce(v, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	fields := coerced.(map[string]any)

	pkg := &SignedPackage{
		DataPackageID:         fields["dataPackageId"].(string),
		TimestampMilliseconds: int64(fields["timestampMilliseconds"].(int)),
		Signature:             fields["signature"].(string),
	}
	if signer, ok := fields["signerAddress"].(string); ok {
		pkg.SignerAddress = signer
	}
	if service, ok := fields["dataServiceId"].(string); ok {
		pkg.DataServiceID = service
	}

	if pkg.DataPackageID == "" {
		return nil, fmt.Errorf("%w: empty dataPackageId", ErrInvalidSchema)
	}
	if pkg.TimestampMilliseconds <= 0 {
		return nil, fmt.Errorf("%w: non-positive timestamp %d", ErrInvalidSchema, pkg.TimestampMilliseconds)
	}

	points := fields["dataPoints"].([]any)
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no data points", ErrInvalidSchema)
	}
	for i, raw := range points {
		point := raw.(map[string]any)
		dp := DataPoint{DataFeedID: point["dataFeedId"].(string)}

		switch value := point["value"].(type) {
		case float64:
			dp.Value = value
		case string:
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: dataPoints.%d.value: %v", ErrInvalidSchema, i, err)
			}
			dp.Value = parsed
		}
		if decimals, ok := point["decimals"].(int); ok {
			dp.Decimals = decimals
		}
		pkg.DataPoints = append(pkg.DataPoints, dp)
	}

	return pkg, nil
}
