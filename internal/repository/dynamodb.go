package repository

import (
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const metadataSK = "METADATA"

func stringAttr(value string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: value}
}

func numberAttr(value int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(value, 10)}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": stringAttr(pk),
		"SK": stringAttr(sk),
	}
}

func isConditionalCheckFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// conditionFailedAt reports whether a cancelled transaction failed on the condition of the
// item at index.
func conditionFailedAt(err error, index int) bool {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) || index >= len(txErr.CancellationReasons) {
		return false
	}
	code := txErr.CancellationReasons[index].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func stringValue(item map[string]types.AttributeValue, name string) string {
	if attr, ok := item[name].(*types.AttributeValueMemberS); ok {
		return attr.Value
	}
	return ""
}
