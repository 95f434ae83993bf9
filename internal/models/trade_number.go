package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// TradeNumberPrefix - префикс человекочитаемого номера обмена
const TradeNumberPrefix = "TR"

// NewTradeNumber формирует номер вида TR-<метка времени>-<случайный суффикс>.
// Первые 10 символов ULID кодируют время, последние 6 берутся из случайной части.
func NewTradeNumber(now time.Time) string {
	s := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	return TradeNumberPrefix + "-" + s[:10] + "-" + s[20:]
}
