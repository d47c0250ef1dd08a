package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rickgao/pushsession/internal/router"
)

// printer writes frames one per line. Registry handlers run serially, so
// it needs no lock.
type printer struct {
	w      io.Writer
	indent bool
}

func newPrinter(w io.Writer, indent bool) *printer {
	return &printer{w: w, indent: indent}
}

func (p *printer) frame(msg router.Message) {
	if !p.indent {
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg.Data); err != nil {
			fmt.Fprintf(p.w, "%s\n", msg.Data)
			return
		}
		fmt.Fprintf(p.w, "%s\n", buf.Bytes())
		return
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, msg.Data, "", "  "); err != nil {
		fmt.Fprintf(p.w, "[%s] %s\n", msg.Type, msg.Data)
		return
	}
	fmt.Fprintf(p.w, "[%s]\n%s\n", msg.Type, buf.Bytes())
}
