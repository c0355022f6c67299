package index

import (
	"sync"

	"github.com/rustyclaw/gateway/internal/rag/parser/markdown"
	"github.com/rustyclaw/gateway/internal/rag/parser/text"
)

var registerParsersOnce sync.Once

func ensureDefaultParsers() {
	registerParsersOnce.Do(func() {
		markdown.Register()
		text.Register()
	})
}
