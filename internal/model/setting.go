package model

// Setting is a generic key/value row for bot state that survives restarts.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (Setting) TableName() string { return "bot_settings" }
