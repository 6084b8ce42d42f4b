// Package config загружает конфигурацию процессов Tower.
//
// Порядок применения:
//  1. значения по умолчанию
//  2. YAML-файл (путь из --config или TOWER_CONFIG), если задан
//  3. переменные окружения
//
// Компоненты сохраняют собственные значения по умолчанию в New: нулевое
// поле здесь означает "оставить решение компоненту".
package config
