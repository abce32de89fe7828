package listener_test

import (
	"context"
	"fmt"

	"github.com/dshills/tvsync/internal/listener"
)

func printer(name string) *listener.Funcs {
	return &listener.Funcs{
		Name: name,
		OnEvent: func(ctx context.Context, e listener.Event) error {
			fmt.Printf("%s got %s\n", name, e)
			return nil
		},
	}
}

// Example_priorityOrder shows weight ordering and the SetPriorityFirst override.
func Example_priorityOrder() {
	d := listener.New(listener.WithName("media"))
	ctx := context.Background()

	d.Register(printer("A"), 10)
	d.Register(printer("B"), -5)
	c, _ := d.Register(printer("C"), 10)

	d.DispatchEvent(ctx, "mediaReady")

	d.SetPriorityFirst(c)
	d.DispatchEvent(ctx, "mediaReady")

	// Output:
	// B got mediaReady
	// A got mediaReady
	// C got mediaReady
	// C got mediaReady
	// B got mediaReady
	// A got mediaReady
}
