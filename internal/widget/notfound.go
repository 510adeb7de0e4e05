package widget

import (
	"fmt"
	"html"
	"net/http"
)

// NotFound returns the fallback module served when a widget is unknown or its
// loader failed.
func NotFound(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "<section class=\"widget not-found\"><h1>%s not found</h1>"+
			"<p>Sorry, the widget you are looking for does not exist.</p></section>\n",
			html.EscapeString(path))
	})
}
