package config

import "errors"

var (
	// ErrInvalidConfig — конфигурация не прошла проверку.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrReadFile — файл конфигурации не прочитан.
	ErrReadFile = errors.New("read config file")
)
