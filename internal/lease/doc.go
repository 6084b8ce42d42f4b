// Package lease реализует реестр аренд — распределённую адресную книгу,
// связывающую логический ключ (id задачи или tenant+node) с адресом
// исполнителя.
//
// Аренда нужна для pause/resume: исполнитель, припарковавший задачу,
// сохраняет свой адрес под её id, а команда resume доставляется именно
// этому исполнителю. Если TTL истёк раньше resume, задача не может быть
// продолжена.
//
// Ключи во внешнем кэше: lease:{key}.
package lease
