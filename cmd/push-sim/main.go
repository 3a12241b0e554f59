package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"kioskads/internal/model"
	"kioskads/internal/push"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	kioskID := flag.Int64("kiosk", 0, "Target kiosk id; 0 publishes on the broadcast topic")
	eventType := flag.String("event", "", "Publish one event: ADDED, DELETED, UPDATED or ADMIN_REFRESH")
	adID := flag.Int64("ad-id", 0, "Ad id for ADDED and DELETED events")
	adHash := flag.String("hash", "", "Content hash for ADDED events")
	adMedia := flag.String("media", "image", "Media type for ADDED events")
	interval := flag.Duration("interval", 30*time.Second, "Heartbeat interval when simulating a kiosk")

	flag.Parse()

	if *eventType == "" && *kioskID <= 0 {
		log.Fatal("either -event or a positive -kiosk to simulate is required")
	}

	clientID := fmt.Sprintf("adsync-sim-%d", time.Now().UnixNano())
	if *eventType == "" {
		clientID = push.ClientID(*kioskID)
	}
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)
	defer client.Disconnect(250)

	publish := func(topic string, data []byte) {
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s %s", topic, data)
	}

	if *eventType != "" {
		ev := push.Event{Type: push.EventType(strings.ToUpper(*eventType)), Timestamp: time.Now().UTC()}
		scope := model.GlobalScope()
		if *kioskID > 0 {
			scope = model.KioskScope(*kioskID)
		}
		switch ev.Type {
		case push.EventAdded:
			ev.Ad = &model.Descriptor{Ad: model.Ad{
				ID: *adID, MediaType: model.MediaType(*adMedia), Scope: scope, ContentHash: *adHash,
			}}
		case push.EventDeleted:
			ev.AdID = *adID
		}
		data, err := push.Encode(ev)
		if err != nil {
			log.Fatalf("invalid event: %v", err)
		}
		publish(push.TopicForScope(scope), data)
		return
	}

	// Without -event the simulator behaves like a kiosk's presence traffic.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presence := func(topic string) {
		data, err := json.Marshal(push.PresenceMessage{KioskID: *kioskID, Timestamp: time.Now().UTC()})
		if err != nil {
			log.Printf("failed to encode presence: %v", err)
			return
		}
		publish(topic, data)
	}

	presence(push.JoinTopic)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			return
		case <-ticker.C:
			presence(push.HeartbeatTopic)
		}
	}
}
