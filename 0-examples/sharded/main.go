// Package main demonstrates a sharded bot without any state: it connects
// the recommended number of shards and logs every message it sees.
package main

import (
	"context"
	"log"
	"os"

	"github.com/k0kubun/pp"

	"github.com/wetrill/tern/api"
	"github.com/wetrill/tern/gateway"
	"github.com/wetrill/tern/gateway/shard"
	"github.com/wetrill/tern/utils/handler"
	"github.com/wetrill/tern/utils/json"
)

// To run, do `BOT_TOKEN="TOKEN HERE" go run .`

func main() {
	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		log.Fatalln("No $BOT_TOKEN given.")
	}

	client := api.NewClient(api.BotAuth(token))

	m := shard.NewManager(client, token,
		gateway.IntentGuilds|gateway.IntentGuildMessages|gateway.IntentMessageContent)

	m.Lifecycle.AddListener(gateway.KindReady, func(ev handler.Event) {
		pp.Println(ev)
	})

	m.EventDispatcher.AddListener("MESSAGE_CREATE", func(d json.Raw) {
		var msg struct {
			Content string `json:"content"`
			Author  struct {
				Username string `json:"username"`
			} `json:"author"`
		}
		if err := json.Unmarshal(d, &msg); err != nil {
			log.Println("bad message payload:", err)
			return
		}
		log.Println(msg.Author.Username, "sent", msg.Content)
	})

	if err := m.Start(context.Background()); err != nil {
		log.Fatalln("failed to start shards:", err)
	}
	defer m.Close()

	log.Println("connected with", len(m.Shards()), "shard(s)")

	// Block forever.
	select {}
}
