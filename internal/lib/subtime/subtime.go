// Package subtime отвечает за разбор и нормализацию дат окончания подписки.
// В базе даты накопились в нескольких текстовых форматах, поэтому разбор идёт
// по фиксированному списку форматов в порядке приоритета, а запись всегда
// выполняется в одном каноническом виде с микросекундами.
package subtime

import (
	"strconv"
	"strings"
	"time"
)

// Canonical формат, в котором даты пишутся в хранилище.
const Canonical = "2006-01-02 15:04:05.000000"

// Kyiv опорная таймзона: все сравнения "сколько осталось дней"
// считаются в ней, независимо от таймзоны хоста.
var Kyiv = mustLoadKyiv()

func mustLoadKyiv() *time.Location {
	loc, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		panic("subtime: load Europe/Kyiv: " + err.Error())
	}
	return loc
}

// Форматы в порядке приоритета. Форматы без времени получают 23:59,
// чтобы подписка "до даты" действовала до конца дня.
var formats = []struct {
	layout   string
	dateOnly bool
}{
	{layout: "2006-01-02 15:04:05.000000"},
	{layout: "2006-01-02 15:04:05"},
	{layout: "2006-01-02 15:04"},
	{layout: "2006-01-02", dateOnly: true},
	{layout: "02.01.2006 15:04:05"},
	{layout: "02.01.2006 15:04"},
	{layout: "02.01.2006", dateOnly: true},
}

// Parse разбирает дату окончания подписки из любого принятого текстового
// формата. Разделитель "T" и суффикс "Z" (ISO-варианты) приводятся к
// пробельному виду до разбора. Возвращает ok=false для пустого или
// нераспознанного значения, ошибок не бывает.
func Parse(raw string) (time.Time, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, false
	}

	value = strings.Replace(value, "T", " ", 1)
	utc := false
	if strings.HasSuffix(value, "Z") {
		value = strings.TrimSuffix(value, "Z")
		utc = true
	}

	for _, f := range formats {
		t, err := time.ParseInLocation(f.layout, value, Kyiv)
		if err != nil {
			continue
		}
		if f.dateOnly {
			t = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, Kyiv)
		}
		if utc {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(),
				t.Second(), t.Nanosecond(), time.UTC).In(Kyiv)
		}
		return t, true
	}
	return time.Time{}, false
}

// Normalize приводит любое принятое значение к каноническому текстовому виду.
// Normalize(Parse(x)) идемпотентен: повторная нормализация не меняет текст.
func Normalize(t time.Time) string {
	return t.In(Kyiv).Format(Canonical)
}

// NormalizeRaw разбирает и нормализует текстовое значение за один шаг.
// Возвращает ok=false, если значение не разбирается.
func NormalizeRaw(raw string) (string, bool) {
	t, ok := Parse(raw)
	if !ok {
		return "", false
	}
	return Normalize(t), true
}

// DaysLeft возвращает остаток подписки в сутках (может быть отрицательным
// и дробным). Обе отметки приводятся к опорной таймзоне.
func DaysLeft(end, now time.Time) float64 {
	return end.In(Kyiv).Sub(now.In(Kyiv)).Hours() / 24
}

// ApplyDelta прибавляет к base относительный сдвиг вида +12h, +7d, +3w
// или +6m (месяцы календарные). Возвращает ok=false на любой другой формат.
func ApplyDelta(base time.Time, raw string) (time.Time, bool) {
	if len(raw) < 3 || raw[0] != '+' {
		return time.Time{}, false
	}
	unit := raw[len(raw)-1]
	n, err := strconv.Atoi(raw[1 : len(raw)-1])
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	switch unit {
	case 'h':
		return base.Add(time.Duration(n) * time.Hour), true
	case 'd':
		return base.AddDate(0, 0, n), true
	case 'w':
		return base.AddDate(0, 0, 7*n), true
	case 'm':
		return base.AddDate(0, n, 0), true
	}
	return time.Time{}, false
}
