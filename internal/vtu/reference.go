package vtu

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
)

// NewReference generates the correlation reference for a transaction:
// <PREFIX>-<unix-millis>-<random>. The prefix is the upper-cased product
// type; the random suffix makes references pairwise distinct with
// overwhelming probability even within one millisecond.
func NewReference(t models.TransactionType) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return fmt.Sprintf("%s-%d-%s", referencePrefix(t), time.Now().UnixMilli(), suffix)
}

func referencePrefix(t models.TransactionType) string {
	switch t {
	case models.AirtimeToCash:
		return "A2C"
	default:
		return strings.ToUpper(string(t))
	}
}
