package memory

import (
	"testing"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice/tests"
)

func TestInvoiceMemoryStore(t *testing.T) {
	testStore := New()
	teardown := func() {
		testStore.(*store).reset()
	}

	tests.RunTests(t, testStore, teardown)
}
