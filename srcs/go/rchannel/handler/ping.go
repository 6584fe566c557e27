package handler

import (
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
)

type PingHandler struct{}

func (h *PingHandler) Handle(conn connection.Connection) (int, error) {
	var mh connection.MessageHeader
	if err := mh.ReadFrom(conn.Conn()); err != nil {
		return 0, err
	}
	var empty connection.Message
	if err := empty.ReadFrom(conn.Conn()); err != nil {
		return 0, err
	}
	if err := mh.WriteTo(conn.Conn()); err != nil {
		return 0, err
	}
	return 1, empty.WriteTo(conn.Conn())
}
