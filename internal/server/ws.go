package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"walletd/internal/api/jwt"
	"walletd/internal/walletapi"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHandler streams balance syncs and notifications to one client. The redis
// pubsub channel is the single producer; notifications are cached until the
// client acks them so a reconnect never loses one.
func wsHandler(c *gin.Context) {
	token := c.DefaultQuery("token", "")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	userId, _, err := jwt.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	app := c.MustGet("app").(*walletapi.App)
	var user walletapi.User
	res := app.Db.First(&user, userId)
	if res.RowsAffected != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to set websocket upgrade: %+v", err)
		return
	}
	defer conn.Close()

	lastPong := time.Now()
	conn.SetPongHandler(func(string) error {
		lastPong = time.Now()
		return nil
	})
	pingPeriod := 3 * time.Second
	timeout := 9 * time.Second
	var mu sync.Mutex // serializes writes to the ws connection

	jsonData := walletapi.SyncUserStats(app, user)
	if jsonData != nil {
		if err := conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			fmt.Println("Socket: Failed to send data:", err)
			return
		}
	}

	// Cache everything published for the user; the replay loop below is the
	// only writer of notification payloads to the socket.
	go func() {
		pubsub := app.Rdb.Subscribe(c, fmt.Sprintf("notification_ch@%d", user.Id))
		defer pubsub.Close()

		ch := pubsub.Channel()
		for msg := range ch {
			var msgDecoded walletapi.WsResponseData
			err = json.Unmarshal([]byte(msg.Payload), &msgDecoded)
			if err == nil {
				app.Rdb.Set(context.Background(), fmt.Sprintf("notification_cache@%d:%d", user.Id, msgDecoded.Data.Id), msg.Payload, 1*time.Hour)
			}
			mu.Lock()
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Println("Socket: Failed to send ping:", err)
				mu.Unlock()
				_ = conn.Close()
				return
			}
			mu.Unlock()
		}
	}()

	// Client commands: "sync" re-sends the snapshot, acks clear the cache.
	go func() {
		defer conn.Close()
		for {
			messageType, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			message := string(p)
			var ackMsg struct {
				Type string `json:"type"`
				Id   int    `json:"id"`
			}
			if err := json.Unmarshal([]byte(message), &ackMsg); err == nil {
				if ackMsg.Type == "ack" {
					_, _ = app.Rdb.Del(context.Background(), fmt.Sprintf("notification_cache@%d:%d", user.Id, ackMsg.Id)).Result()
					continue
				}
			}
			if message == "sync" {
				_ = app.Db.First(&user, userId)
				jsonData := walletapi.SyncUserStats(app, user)
				if jsonData != nil {
					mu.Lock()
					if err := conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
						fmt.Println("Socket: Failed to send data:", err)
						mu.Unlock()
						return
					}
					mu.Unlock()
				}
			}
		}
	}()

	for {
		iter := app.Rdb.Scan(context.Background(), 0, fmt.Sprintf("notification_cache@%d:*", user.Id), 0).Iterator()
		for iter.Next(context.Background()) {
			lastNotification, _ := app.Rdb.Get(context.Background(), iter.Val()).Result()
			if len(lastNotification) > 0 {
				mu.Lock()
				if err := conn.WriteMessage(websocket.TextMessage, []byte(lastNotification)); err != nil {
					log.Println("Socket: Failed to send data:", err)
					mu.Unlock()
					_ = conn.Close()
					return
				}
				mu.Unlock()
			}
		}
		if time.Since(lastPong) > timeout {
			log.Println("Socket: Client did not respond to ping, closing connection")
			return
		}
		mu.Lock()
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			log.Println("Socket: Failed to send ping:", err)
			mu.Unlock()
			return
		}
		mu.Unlock()
		time.Sleep(pingPeriod)
	}
}
