package models

// Side - сторона обмена: инициатор или получатель текущей ревизии
type Side string

const (
	SideInitiator Side = "initiator"
	SideReceiver  Side = "receiver"
)

// Other возвращает противоположную сторону
func (s Side) Other() Side {
	if s == SideInitiator {
		return SideReceiver
	}
	return SideInitiator
}

// Valid проверяет значение стороны
func (s Side) Valid() bool {
	return s == SideInitiator || s == SideReceiver
}
