/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"errors"
	"fmt"
)

// Error codes carried by StorageError.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeInvalidReference = "INVALID_REFERENCE"
	CodeNotSupported     = "NOT_SUPPORTED"
)

// NotFoundError reports that an entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NewNotFound creates a NotFoundError for the given entity and id.
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError reports a uniqueness or optimistic-concurrency violation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NewConflict creates a ConflictError with the given message.
func NewConflict(message string) *ConflictError {
	return &ConflictError{Message: message}
}

// StorageError is a generic coded storage failure.
type StorageError struct {
	Message string
	Code    string
}

func (e *StorageError) Error() string {
	return e.Message
}

// NewStorageError creates a StorageError with an explicit code.
func NewStorageError(message, code string) *StorageError {
	return &StorageError{Message: message, Code: code}
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var se *StorageError
	return errors.As(err, &se) && se.Code == CodeNotFound
}

// IsConflict reports whether err represents a uniqueness or version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}
	var se *StorageError
	return errors.As(err, &se) && se.Code == CodeConflict
}

// IsInvalidReference reports whether err represents a broken foreign reference.
func IsInvalidReference(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == CodeInvalidReference
}
