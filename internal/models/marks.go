package models

import (
	"encoding/json"
	"sort"
)

// MarkExpired терминальная отметка: стадия выселения уже сработала.
const MarkExpired = "expired"

// MarkSet — набор отметок сработавших стадий напоминаний для текущего окна
// подписки. В хранилище лежит JSON-списком строк; при продлении подписки
// набор обнуляется самим хранилищем, чтобы старые отметки не гасили
// уведомления нового окна.
type MarkSet map[string]struct{}

// DecodeMarks разбирает сериализованный набор отметок. Повреждённое или
// пустое значение даёт пустой набор, ошибок не бывает.
func DecodeMarks(raw string) MarkSet {
	m := MarkSet{}
	if raw == "" {
		return m
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return m
	}
	for _, v := range arr {
		m[v] = struct{}{}
	}
	return m
}

// Has сообщает, записана ли отметка.
func (m MarkSet) Has(mark string) bool {
	_, ok := m[mark]
	return ok
}

// Add записывает отметку.
func (m MarkSet) Add(mark string) {
	m[mark] = struct{}{}
}

// Encode сериализует набор в JSON-список. Отметка expired всегда последняя,
// остальные по алфавиту — порядок нужен только для читаемости журнала.
func (m MarkSet) Encode() string {
	arr := make([]string, 0, len(m))
	for v := range m {
		arr = append(arr, v)
	}
	sort.Slice(arr, func(i, j int) bool {
		if (arr[i] == MarkExpired) != (arr[j] == MarkExpired) {
			return arr[j] == MarkExpired
		}
		return arr[i] < arr[j]
	})
	data, _ := json.Marshal(arr)
	return string(data)
}
