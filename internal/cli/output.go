package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output — вывод команд: данные в stdout, сообщения в stderr.
//
// В режиме --json данные печатаются как есть, таблицы не строятся.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr процесса.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Field — строка карточки Detail.
type Field struct {
	Name  string
	Value string
}

// Print печатает список: таблица с заголовками или jsonData.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.writeJSON(jsonData)
		return
	}
	tw := o.tab()
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// Detail печатает одну запись карточкой "NAME: value".
func (o *Output) Detail(fields []Field, jsonData any) {
	if o.jsonMode {
		o.writeJSON(jsonData)
		return
	}
	tw := o.tab()
	for _, f := range fields {
		fmt.Fprintf(tw, "%s:\t%s\n", f.Name, f.Value)
	}
	tw.Flush()
}

// Successf печатает сообщение в stderr. В режиме --json ничего не печатает.
func (o *Output) Successf(format string, args ...any) {
	if o.jsonMode {
		return
	}
	fmt.Fprintf(o.errW, format+"\n", args...)
}

func (o *Output) tab() *tabwriter.Writer {
	return tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
}

func (o *Output) writeJSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(o.errW, "encode output:", err)
	}
}
