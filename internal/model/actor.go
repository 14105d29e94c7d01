package model

// Actor identifies who a store mutation is performed on behalf of.
type Actor struct {
	UserID int64
	Name   string
}

// SystemActor stamps rows written by background workers.
var SystemActor = Actor{UserID: 0, Name: "system"}
