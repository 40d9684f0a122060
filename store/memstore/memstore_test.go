package memstore

import (
	"testing"

	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return New()
	})
}
