package memory

import (
	"testing"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery/tests"
)

func TestDeliveryMemoryStore(t *testing.T) {
	testStore := New()
	teardown := func() {
		testStore.(*store).reset()
	}

	tests.RunTests(t, testStore, teardown)
}
