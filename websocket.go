package main

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

type websocketManager interface {
	wsSetReadLimit()
	wsSetPingHandler(func(string) error)
	wsSetPongHandler(func(string) error)
	wsReadMessage() (int, []byte, error)
	wsSetWriteDeadline()
	wsWriteMessage(int, []byte) error
	wsWriteControl(int, []byte) error
	wsClose()
}

type websocketInteractor struct {
	ws *websocket.Conn
}

func (w websocketInteractor) wsSetReadLimit() {
	w.ws.SetReadLimit(maxMessageSize)
}

func (w websocketInteractor) wsSetPingHandler(h func(string) error) {
	w.ws.SetPingHandler(h)
}

func (w websocketInteractor) wsSetPongHandler(h func(string) error) {
	w.ws.SetPongHandler(h)
}

func (w websocketInteractor) wsClose() {
	w.ws.Close()
}

func (w websocketInteractor) wsReadMessage() (messageType int, p []byte, err error) {
	return w.ws.ReadMessage()
}

func (w websocketInteractor) wsSetWriteDeadline() {
	w.ws.SetWriteDeadline(time.Now().Add(writeWait))
}

func (w websocketInteractor) wsWriteMessage(messageType int, payload []byte) error {
	return w.ws.WriteMessage(messageType, payload)
}

func (w websocketInteractor) wsWriteControl(messageType int, payload []byte) error {
	return w.ws.WriteControl(messageType, payload, time.Now().Add(writeWait))
}
