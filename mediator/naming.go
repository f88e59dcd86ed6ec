package mediator

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

const (
	queueSuffix        = "-queue"
	exchangeSuffix     = "-exchange"
	subscriptionSuffix = "-exchange-queue"
	rpcSuffix          = "-rpc"
)

// QueueName is the default point-to-point queue for message type name m.
func QueueName(m string) string { return strings.ToLower(m) + queueSuffix }

// ExchangeName is the default fanout exchange for message type name m.
func ExchangeName(m string) string { return strings.ToLower(m) + exchangeSuffix }

// SubscriptionQueueName is the default queue a program binds to the exchange of m.
// The program suffix keeps subscriptions of different programs apart.
func SubscriptionQueueName(m, program string) string {
	return strings.ToLower(m) + subscriptionSuffix + "-" + program
}

// RpcQueueName is the default request queue for request message type name m.
func RpcQueueName(m string) string { return strings.ToLower(m) + rpcSuffix }

// TypeName returns the bare name of t, dereferencing pointers.
// Unnamed types fall back to their string form.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	return name
}

// ProgramName returns the base name of the running executable without its extension.
func ProgramName() string {
	if len(os.Args) == 0 || os.Args[0] == "" {
		return "app"
	}

	base := filepath.Base(os.Args[0])

	return strings.TrimSuffix(base, filepath.Ext(base))
}
