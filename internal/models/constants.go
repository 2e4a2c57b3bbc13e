package models

import "time"

const (
	// DefaultMaxAttempts количество попыток задачи по умолчанию
	DefaultMaxAttempts = 3

	// DefaultErrorThreshold ошибок подряд до паузы цели
	DefaultErrorThreshold = 5

	// DefaultPauseCooldown время, после которого пауза снимается автоматически
	DefaultPauseCooldown = time.Hour

	// DefaultAlertCooldown не чаще одного оповещения о блокировке на цель
	DefaultAlertCooldown = 30 * time.Minute

	// MinCheckInterval нижняя граница интервала проверки
	MinCheckInterval = 5 * time.Second

	// AdminUserID адресат административных уведомлений
	AdminUserID int64 = 0
)

// DefaultTierIntervals базовые интервалы проверки по уровням.
var DefaultTierIntervals = map[int]time.Duration{
	1: 10 * time.Second,
	2: 30 * time.Second,
	3: 2 * time.Minute,
}
