package domain

// RoomID names a room in the document store. One session document and N
// presence records live under it.
type RoomID string
