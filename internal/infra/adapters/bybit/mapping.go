package bybit

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

func bybitSide(side schema.Side) (string, error) {
	switch side {
	case schema.SideBuy:
		return "Buy", nil
	case schema.SideSell:
		return "Sell", nil
	default:
		return "", fmt.Errorf("bybit: unsupported side %q", side)
	}
}

func sideFromBybit(input string) (schema.Side, error) {
	switch strings.TrimSpace(input) {
	case "Buy":
		return schema.SideBuy, nil
	case "Sell":
		return schema.SideSell, nil
	default:
		return "", fmt.Errorf("bybit: unsupported side %q", input)
	}
}

func bybitOrderType(orderType schema.OrderType) (string, error) {
	switch orderType {
	case schema.OrderTypeLimit:
		return "Limit", nil
	case schema.OrderTypeMarket:
		return "Market", nil
	default:
		return "", fmt.Errorf("bybit: unsupported order type %q", orderType)
	}
}

func orderTypeFromBybit(input string) (schema.OrderType, error) {
	switch strings.TrimSpace(input) {
	case "Limit":
		return schema.OrderTypeLimit, nil
	case "Market":
		return schema.OrderTypeMarket, nil
	default:
		return "", fmt.Errorf("bybit: unsupported order type %q", input)
	}
}

// statusFromBybit maps a venue order status. Unknown statuses report false.
func statusFromBybit(input string) (schema.OrderStatus, bool) {
	switch strings.TrimSpace(input) {
	case "Created", "New", "Untriggered":
		return schema.StatusNotTraded, true
	case "PartiallyFilled":
		return schema.StatusPartiallyTraded, true
	case "Filled":
		return schema.StatusAllTraded, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return schema.StatusCancelled, true
	case "Rejected":
		return schema.StatusRejected, true
	default:
		return "", false
	}
}

func bybitInterval(interval schema.Interval) (string, error) {
	switch interval {
	case schema.IntervalMinute:
		return "1", nil
	case schema.IntervalHour:
		return "60", nil
	case schema.IntervalDaily:
		return "D", nil
	case schema.IntervalWeekly:
		return "W", nil
	default:
		return "", fmt.Errorf("bybit: unsupported interval %q", interval)
	}
}

func optionTypeFromBybit(input string) (schema.OptionType, error) {
	switch strings.TrimSpace(input) {
	case "Call":
		return schema.OptionTypeCall, nil
	case "Put":
		return schema.OptionTypePut, nil
	default:
		return "", fmt.Errorf("bybit: unsupported option type %q", input)
	}
}

func offsetFromReduceOnly(reduceOnly bool) schema.Offset {
	if reduceOnly {
		return schema.OffsetClose
	}
	return schema.OffsetOpen
}

// productFor classifies an instrument. Derivative symbols carrying a digit are dated futures.
func productFor(category schema.Category, symbol string) schema.Product {
	switch category {
	case schema.CategorySpot:
		return schema.ProductSpot
	case schema.CategoryOption:
		return schema.ProductOption
	case schema.CategoryLinear, schema.CategoryInverse:
		if strings.IndexFunc(symbol, unicode.IsDigit) >= 0 {
			return schema.ProductFutures
		}
		return schema.ProductSwap
	default:
		return ""
	}
}

// settleCoins lists the settleCoin filters needed to enumerate a category's account state.
// An empty entry means no filter.
func settleCoins(category schema.Category) []string {
	if category == schema.CategoryLinear {
		return []string{"USDT", "USDC"}
	}
	return []string{""}
}
