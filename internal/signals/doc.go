// Package signals хранит управляющие флаги trace (RUN, PAUSE, CANCEL).
//
// Флаг пишется Lifecycle Service, а исполнители периодически читают его
// и сами решают, когда остановиться: отмена кооперативная, бегущий код
// никто не прерывает.
//
// Ключи во внешнем кэше: trace_signal:{traceId}.
package signals
