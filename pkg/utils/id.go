package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateWorkerID generates a unique worker ID.
func GenerateWorkerID(index int) string {
	return fmt.Sprintf("worker-%d-%s", index, uuid.NewString()[:8])
}

// GenerateTransportID generates a unique transport ID.
func GenerateTransportID() string {
	return "transport_" + uuid.NewString()
}

// GenerateProducerID generates a unique producer ID.
func GenerateProducerID() string {
	return "producer_" + uuid.NewString()
}

// GenerateConsumerID generates a unique consumer ID.
func GenerateConsumerID() string {
	return "consumer_" + uuid.NewString()
}

// GenerateConnectionID generates a unique signaling connection ID.
func GenerateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// GenerateInstanceID generates a unique hub instance ID.
func GenerateInstanceID() string {
	return "hub_" + uuid.NewString()[:13]
}
