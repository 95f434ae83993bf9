// Package valuation считает стоимость сторон обмена и денежную разницу.
// Все суммы - decimal с двумя знаками после запятой, без float.
package valuation

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rajivgeraev/flippy-trades/internal/models"
)

// MoneyScale - количество знаков после запятой для денежных сумм
const MoneyScale = 2

var hundred = decimal.NewFromInt(100)

// Summary - сводка по стоимости обмена для отображения
type Summary struct {
	InitiatorTotal decimal.Decimal `json:"initiator_total"`
	ReceiverTotal  decimal.Decimal `json:"receiver_total"`
	CashAmount     decimal.Decimal `json:"cash_amount"`
	Differential   decimal.Decimal `json:"differential"`
	Imbalanced     bool            `json:"imbalanced"`
}

// Calculator считает баланс и помечает сильный перекос.
// Перекос только отмечается: справедливость обмена решают участники.
type Calculator struct {
	thresholdPct decimal.Decimal
}

// NewCalculator создает калькулятор с порогом перекоса в процентах
func NewCalculator(imbalanceThresholdPct int) *Calculator {
	return &Calculator{thresholdPct: decimal.NewFromInt(int64(imbalanceThresholdPct))}
}

// Total суммирует ValueAtTrade предметов
func Total(items []models.TradeItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.ValueAtTrade)
	}
	return total.Round(MoneyScale)
}

// ComputeBalance возвращает receiverTotal - initiatorTotal с поправкой на деньги:
// доплата инициатора прибавляется, доплата получателя вычитается.
func ComputeBalance(initiatorItems, receiverItems []models.TradeItem, cashAmount decimal.Decimal, cashPayerID *uuid.UUID, initiatorID uuid.UUID) decimal.Decimal {
	diff := Total(receiverItems).Sub(Total(initiatorItems))
	if cashPayerID != nil && cashAmount.IsPositive() {
		if *cashPayerID == initiatorID {
			diff = diff.Add(cashAmount)
		} else {
			diff = diff.Sub(cashAmount)
		}
	}
	return diff.Round(MoneyScale)
}

// Summarize строит сводку по ревизии обмена
func (c *Calculator) Summarize(t *models.Trade) Summary {
	initiatorItems := t.ItemsOf(models.SideInitiator)
	receiverItems := t.ItemsOf(models.SideReceiver)

	s := Summary{
		InitiatorTotal: Total(initiatorItems),
		ReceiverTotal:  Total(receiverItems),
		CashAmount:     t.CashAmount.Round(MoneyScale),
		Differential:   ComputeBalance(initiatorItems, receiverItems, t.CashAmount, t.CashPayerID, t.InitiatorID),
	}
	s.Imbalanced = c.imbalanced(s)
	return s
}

// imbalanced: |differential| больше порога в процентах от большей стороны
func (c *Calculator) imbalanced(s Summary) bool {
	if c.thresholdPct.IsZero() {
		return false
	}
	base := decimal.Max(s.InitiatorTotal, s.ReceiverTotal)
	if !base.IsPositive() {
		return false
	}
	limit := base.Mul(c.thresholdPct).Div(hundred)
	return s.Differential.Abs().GreaterThan(limit)
}

// ValidateCash проверяет денежную часть: сумма неотрицательна, не больше двух
// знаков после запятой, плательщик указан только при ненулевой сумме и является участником.
func ValidateCash(amount decimal.Decimal, payerID *uuid.UUID, initiatorID, receiverID uuid.UUID) error {
	if amount.IsNegative() {
		return models.NewError(models.KindValidation, "сумма доплаты не может быть отрицательной")
	}
	if !amount.Equal(amount.Round(MoneyScale)) {
		return models.NewError(models.KindValidation, "сумма доплаты должна содержать не более %d знаков после запятой", MoneyScale)
	}
	if amount.IsZero() {
		if payerID != nil {
			return models.NewError(models.KindValidation, "плательщик указан при нулевой доплате")
		}
		return nil
	}
	if payerID == nil {
		return models.NewError(models.KindValidation, "не указан плательщик доплаты")
	}
	if *payerID != initiatorID && *payerID != receiverID {
		return models.NewError(models.KindInvalidParticipant, "плательщик доплаты должен быть участником обмена")
	}
	return nil
}
