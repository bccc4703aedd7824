// Copyright 2017 Aleksey Blinov. All rights reserved.

package main

import (
	"context"
	"log"

	"github.com/stage88/apns/apns2"
)

func main() {

	// Set up our provider with token authentication
	provider, err := apns2.NewProvider(&apns2.Config{
		Token: &apns2.TokenCredentials{
			KeyFile: "token_signing_pk.p8",
			KeyID:   "ABC123DEFG", // Your key ID
			TeamID:  "DEF123GHIJ", // Your team ID
		},
	})
	if err != nil {
		log.Fatal("Provider error: ", err)
	}

	// Mock notification and recipients
	notif := &apns2.Notification{
		Topic:   "com.example.Alert",
		Payload: &apns2.Payload{APS: &apns2.APS{Alert: "Ping!"}},
	}
	recipients := []string{
		"00fc13adff785122b4ad28809a3420982341241421348097878e577c991de8f0",
		"10fc13adff785122b4ad28809a3420982341241421348097878e577c991de8f0",
		"20fc13adff785122b4ad28809a3420982341241421348097878e577c991de8f0",
	}

	// Push to all recipients and report the outcome per device
	res := provider.Send(context.Background(), notif, recipients...)
	for _, s := range res.Sent {
		log.Printf("sent to %s (apns-unique-id %s)", s.Device, s.UniqueID)
	}
	for _, f := range res.Failed {
		log.Printf("failed for %s: status=%s err=%v", f.Device, f.Status, f.Err)
	}

	// Shut down gracefully
	done := make(chan struct{})
	provider.Shutdown(func() { close(done) })
	<-done
}
