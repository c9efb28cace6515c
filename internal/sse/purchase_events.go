package sse

import (
	"context"
	"sync"

	"ms-purchase/internal/models"
)

const clientBuffer = 10

// PurchaseEventEmitter fans purchase status changes out to SSE clients
// watching that purchase.
type PurchaseEventEmitter struct {
	clients map[string][]chan models.PurchaseEvent
	mu      sync.RWMutex
}

func NewPurchaseEventEmitter() *PurchaseEventEmitter {
	return &PurchaseEventEmitter{
		clients: make(map[string][]chan models.PurchaseEvent),
	}
}

// Subscribe registers a client for one purchase. The channel is closed
// once ctx is done.
func (e *PurchaseEventEmitter) Subscribe(ctx context.Context, purchaseID string) <-chan models.PurchaseEvent {
	clientChan := make(chan models.PurchaseEvent, clientBuffer)

	e.mu.Lock()
	e.clients[purchaseID] = append(e.clients[purchaseID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(purchaseID, clientChan)
	}()

	return clientChan
}

// Emit delivers event to every subscriber of its purchase. Slow clients
// whose buffer is full miss the event rather than block the caller.
func (e *PurchaseEventEmitter) Emit(event models.PurchaseEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clientChan := range e.clients[event.PurchaseID] {
		select {
		case clientChan <- event:
		default:
		}
	}
}

func (e *PurchaseEventEmitter) remove(purchaseID string, clientChan chan models.PurchaseEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[purchaseID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[purchaseID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}
	if len(e.clients[purchaseID]) == 0 {
		delete(e.clients, purchaseID)
	}
}

func (e *PurchaseEventEmitter) ClientCount(purchaseID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[purchaseID])
}
