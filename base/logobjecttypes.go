// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"fmt"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

// LogObjectType : object kinds this library logs state changes for
type LogObjectType string

const (
	// UnknownLogType : invalid log type
	UnknownLogType LogObjectType = ""
	// ConnectionLogType :
	ConnectionLogType LogObjectType = "connection"
	// SessionLogType :
	SessionLogType LogObjectType = "session"
	// SubscriptionLogType :
	SubscriptionLogType LogObjectType = "subscription"
	// CommitLogType :
	CommitLogType LogObjectType = "commit"
)

// LogObject : holds all key value pairs to be logged later
type LogObject struct {
	Initialized bool
	Fields      logrus.Fields
	logger      *logrus.Logger
}

// NewSourceLogObject : create a log object for a process source.
// The source is the calling agent, e.g. the application embedding the
// library or a test binary.
func NewSourceLogObject(logger *logrus.Logger, source string, pid int) *LogObject {
	object := new(LogObject)
	object.logger = logger
	object.Initialized = true
	object.Fields = logrus.Fields{
		"source": source,
		"pid":    pid,
	}
	return object
}

// NewLogObject : create a log object tied to one tracked object.
// objType and objName key the object, connUUID ties it to its owning
// connection.
func NewLogObject(logger *logrus.Logger, objType LogObjectType, objName string,
	connUUID uuid.UUID, key string) *LogObject {
	if objType == UnknownLogType || key == "" {
		logrus.Fatal("NewLogObject: objType and key mandatory fields")
		return nil
	}

	object := new(LogObject)
	object.logger = logger
	object.Initialized = true
	object.Fields = logrus.Fields{
		"obj_type":  objType,
		"obj_name":  objName,
		"obj_key":   key,
		"conn_uuid": connUUID.String(),
	}
	return object
}

// LogKey : formats the key under which an object is tracked
func LogKey(objType LogObjectType, cid uint32, id uint32) string {
	return fmt.Sprintf("%s-%d-%d", objType, cid, id)
}

// EnsureLogObject : always returns a usable LogObject
func EnsureLogObject(logger *logrus.Logger, objType LogObjectType,
	objName string, connUUID uuid.UUID, key string) *LogObject {
	logObject := NewLogObject(logger, objType, objName, connUUID, key)
	if logObject == nil {
		logrus.Fatalf("EnsureLogObject: Failed to create logObject for %s/%s", objType, key)
	}
	return logObject
}
