package batch

import (
	"fmt"
	"strings"
)

// OrderBy is the ordering a query requested for its result stream.
type OrderBy string

const (
	OrderNone      OrderBy = "NONE"
	OrderERT       OrderBy = "ERT"
	OrderSCET      OrderBy = "SCET"
	OrderSCLK      OrderBy = "SCLK"
	OrderLST       OrderBy = "LST"
	OrderRCT       OrderBy = "RCT"
	OrderChannelID OrderBy = "CHANNEL_ID"
	OrderModule    OrderBy = "MODULE"
)

var orderByNames = map[string]OrderBy{
	"":           OrderNone,
	"NONE":       OrderNone,
	"ERT":        OrderERT,
	"SCET":       OrderSCET,
	"SCLK":       OrderSCLK,
	"LST":        OrderLST,
	"RCT":        OrderRCT,
	"CHANNEL_ID": OrderChannelID,
	"CHANNELID":  OrderChannelID,
	"MODULE":     OrderModule,
}

// ParseOrderBy parses an order-by name case-insensitively. The empty string
// means no ordering.
func ParseOrderBy(s string) (OrderBy, error) {
	o, ok := orderByNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown order-by type %q", s)
	}
	return o, nil
}

// Ordered reports whether the result stream must be globally sorted.
func (o OrderBy) Ordered() bool {
	return o != OrderNone && o != ""
}

// IndexItem is the current head of one batch during a merge.
type IndexItem struct {
	BatchID string
	Key     string
	Seq     uint64
}

// Compare orders items by key, then by the batch registration sequence so that
// equal keys resolve to the batch registered first.
func (a IndexItem) Compare(b IndexItem) int {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return strings.Compare(a.BatchID, b.BatchID)
}
