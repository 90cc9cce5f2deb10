package pulsarp

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errInvalidArgument  = status.Errorf(codes.InvalidArgument, "invalid argument")
	errProducerClosed   = status.Errorf(codes.Unavailable, "producer closed")
	errSequenceExhausted = status.Errorf(codes.ResourceExhausted, "sequence id wrap collided with in-flight request")
)

func newUnavailableError(format string, a ...interface{}) error {
	return status.Errorf(codes.Unavailable, format, a...)
}

func newInvalidArgumentError(format string, a ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, a...)
}
