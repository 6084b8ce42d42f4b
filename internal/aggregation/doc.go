// Package aggregation ведёт счётчик завершённых детей и решает судьбу
// родителя, когда завершился последний.
//
// Политики:
//   - ALL_REQUIRED — все дети SUCCESS (по умолчанию)
//   - BEST_EFFORT — активировать в любом случае
//   - MAJORITY — успешных больше половины
//
// Неуспешные, отменённые и пропущенные дети тоже увеличивают счётчик:
// иначе родитель ждал бы вечно.
package aggregation
