package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mcpgate/backend/pkg/sdk"
)

// Demo agent: lists tools through the gateway, burns credits on calls
// until the gate refuses, then shows the denial. Run a gateway first and
// set MCPGATE_API_KEY to a funded key.
func main() {
	gateway := os.Getenv("MCPGATE_URL")
	if gateway == "" {
		gateway = "http://localhost:8402"
	}

	client := sdk.NewClient(sdk.Config{
		GatewayURL: gateway,
		APIKey:     os.Getenv("MCPGATE_API_KEY"),
		OnDenied: func(d *sdk.Denial) {
			fmt.Printf("⛔ Denied: %s (need %d, have %d)\n", d.Reason, d.CreditsRequired, d.RemainingCredits)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("🤖 Agent starting")
	if err := client.Ping(ctx); err != nil {
		log.Fatalf("❌ Gateway unreachable: %v", err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		log.Fatalf("❌ tools/list failed: %v", err)
	}
	fmt.Printf("🔧 %d tools available\n", len(tools))
	if len(tools) == 0 {
		log.Fatal("❌ No tools to call; configure at least one backend")
	}

	tool := tools[0].Name
	for i := 1; ; i++ {
		result, err := client.CallTool(ctx, tool, map[string]interface{}{})
		var denied *sdk.DeniedError
		if errors.As(err, &denied) {
			fmt.Printf("💸 Out of budget after %d calls\n", i-1)
			return
		}
		if err != nil {
			log.Fatalf("❌ Call %d failed: %v", i, err)
		}
		fmt.Printf("✅ Call %d: %s -> %d bytes\n", i, tool, len(result))
	}
}
