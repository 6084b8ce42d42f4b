// Package cli реализует инструмент командной строки Tower.
//
// # Обзор
//
// CLI работает через HTTP API и не обращается к БД или брокеру.
// Адрес API задаётся флагом --server или переменной TOWER_SERVER.
//
// ## Client
//
// HTTP-клиент для Tower API. Инкапсулирует запросы, разбор ответов
// ({data}, {data,total}, {error}) и ошибки API (*APIError).
// Удалённые воркеры используют Client как SplitRegistrar.
//
//	client := cli.NewClient("http://localhost:8080")
//	traceID, err := client.StartTrace(ctx, defID, nil)
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные выводятся в stdout, сообщения в stderr.
//
// ## Commands
//
//   - trace: start, cancel, pause, resume, tasks
//   - task: get, resume
//   - definition: create, list, get, activate, deactivate
//
// Определение можно описать в YAML и создать через definition create -f.
package cli
