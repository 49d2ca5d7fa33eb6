package models

// Channel — запись реестра закрытых каналов. Меняется только
// админ-командами, читается свипером и выдачей доступа.
type Channel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PoolAddress — адрес из пула приёма on-chain платежей. Адрес держит не
// более одной попытки одновременно; освобождается при любом завершении
// попытки, если это не фиксированный резервный адрес.
type PoolAddress struct {
	Address string `json:"address"`
	InUse   bool   `json:"in_use"`
}
