package middleware

import (
	"net/http"
)

// Middleware оборачивает обработчик маршрутов /auth.
type Middleware func(http.Handler) http.Handler

// Chain собирает цепочку так, что первый мидлвар в списке
// получает запрос первым: Chain(h, Recover, RequestID) == Recover(RequestID(h)).
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusWriter запоминает код ответа и число записанных байт
// для access-лога и метрик запросов.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w}
}

// WriteHeader фиксирует первый код: повторный вызов net/http всё равно игнорирует.
func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// Unwrap нужен http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
