package grpcapi

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// protoFile is the path of the schema under api/proto, also used as the
// service descriptor's Metadata so reflection clients can find it.
const protoFile = "stdb/v1/query_engine.proto"

type fieldSpec struct {
	name     string
	num      int32
	typ      descriptorpb.FieldDescriptorProto_Type
	repeated bool
	message  string // fully qualified, for TYPE_MESSAGE
}

type messageSpec struct {
	name   string
	fields []fieldSpec
}

const (
	tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE

	timestampType = ".google.protobuf.Timestamp"
)

// messageSpecs mirrors query_engine.proto and the encoders in messages.go.
var messageSpecs = []messageSpec{
	{"Hint", []fieldSpec{
		{name: "lat", num: 1, typ: tDouble},
		{name: "lon", num: 2, typ: tDouble},
	}},
	{"SubmitPointRequest", []fieldSpec{
		{name: "enc_lat", num: 1, typ: tBytes},
		{name: "enc_lon", num: 2, typ: tBytes},
		{name: "enc_timestamp", num: 3, typ: tBytes},
		{name: "hint", num: 4, typ: tMessage, message: ".stdb.v1.Hint"},
	}},
	{"SubmitPointResponse", []fieldSpec{
		{name: "point_id", num: 1, typ: tInt64},
	}},
	{"GetPointRequest", []fieldSpec{
		{name: "point_id", num: 1, typ: tInt64},
	}},
	{"GetPointResponse", []fieldSpec{
		{name: "point_id", num: 1, typ: tInt64},
		{name: "enc_lat", num: 2, typ: tBytes},
		{name: "enc_lon", num: 3, typ: tBytes},
		{name: "enc_timestamp", num: 4, typ: tBytes},
		{name: "cell", num: 5, typ: tString},
		{name: "submitted_at", num: 6, typ: tMessage, message: timestampType},
	}},
	{"RangeQueryRequest", []fieldSpec{
		{name: "center_lat", num: 1, typ: tDouble},
		{name: "center_lon", num: 2, typ: tDouble},
		{name: "radius", num: 3, typ: tDouble},
		{name: "start_time", num: 4, typ: tInt64},
		{name: "end_time", num: 5, typ: tInt64},
	}},
	{"RangeQueryResponse", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
	}},
	{"NearestNeighborRequest", []fieldSpec{
		{name: "target_lat", num: 1, typ: tDouble},
		{name: "target_lon", num: 2, typ: tDouble},
	}},
	{"NearestNeighborResponse", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
		{name: "enc_nearest_id", num: 2, typ: tBytes},
		{name: "enc_min_distance", num: 3, typ: tBytes},
		{name: "enc_min_squared_distance", num: 4, typ: tBytes},
	}},
	{"StoreResultRequest", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
		{name: "point_ids", num: 2, typ: tInt64, repeated: true},
		{name: "enc_distances", num: 3, typ: tBytes, repeated: true},
	}},
	{"StoreResultResponse", nil},
	{"GetResultRequest", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
	}},
	{"GetResultResponse", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
		{name: "kind", num: 2, typ: tString},
		{name: "point_ids", num: 3, typ: tInt64, repeated: true},
		{name: "enc_distances", num: 4, typ: tBytes, repeated: true},
		{name: "enc_nearest_id", num: 5, typ: tBytes},
		{name: "enc_min_distance", num: 6, typ: tBytes},
		{name: "complete", num: 7, typ: tBool},
		{name: "created_at", num: 8, typ: tMessage, message: timestampType},
		{name: "enc_min_squared_distance", num: 9, typ: tBytes},
	}},
	{"GetDecryptedRequest", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
	}},
	{"Match", []fieldSpec{
		{name: "point_id", num: 1, typ: tInt64},
		{name: "distance", num: 2, typ: tDouble},
	}},
	{"GetDecryptedResponse", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
		{name: "kind", num: 2, typ: tString},
		{name: "revealed", num: 3, typ: tBool},
		{name: "point_ids", num: 4, typ: tInt64, repeated: true},
		{name: "distances", num: 5, typ: tDouble, repeated: true},
		{name: "matches", num: 6, typ: tMessage, repeated: true, message: ".stdb.v1.Match"},
		{name: "revealed_at", num: 7, typ: tMessage, message: timestampType},
	}},
	{"RequestRevealRequest", []fieldSpec{
		{name: "query_hash", num: 1, typ: tString},
	}},
	{"RequestRevealResponse", []fieldSpec{
		{name: "request_id", num: 1, typ: tString},
	}},
	{"RevealCallbackRequest", []fieldSpec{
		{name: "request_id", num: 1, typ: tString},
		{name: "cleartext", num: 2, typ: tBytes},
		{name: "proof", num: 3, typ: tBytes},
	}},
	{"RevealCallbackResponse", nil},
	{"StatsRequest", nil},
	{"StatsResponse", []fieldSpec{
		{name: "points", num: 1, typ: tInt64},
		{name: "cells", num: 2, typ: tInt64},
		{name: "pending", num: 3, typ: tInt64},
		{name: "disclosure", num: 4, typ: tString},
	}},
	{"GetPublicKeyRequest", nil},
	{"Domain", []fieldSpec{
		{name: "max_coord", num: 1, typ: tDouble},
		{name: "min_time", num: 2, typ: tInt64},
		{name: "max_time", num: 3, typ: tInt64},
	}},
	{"GetPublicKeyResponse", []fieldSpec{
		{name: "scheme", num: 1, typ: tString},
		{name: "fingerprint", num: 2, typ: tString},
		{name: "public_key", num: 3, typ: tBytes},
		{name: "relin_key", num: 4, typ: tBytes},
		{name: "domain", num: 5, typ: tMessage, message: ".stdb.v1.Domain"},
	}},
}

// schemaFile is the registered descriptor of query_engine.proto. Its
// google/protobuf/timestamp.proto dependency is registered by timestamppb,
// which codec.go imports.
var schemaFile protoreflect.FileDescriptor

func init() {
	fd, err := protodesc.NewFile(fileDescriptorProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("grpcapi: invalid schema: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("grpcapi: register schema: %v", err))
	}
	schemaFile = fd
}

func fileDescriptorProto() *descriptorpb.FileDescriptorProto {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(protoFile),
		Package:    proto.String("stdb.v1"),
		Dependency: []string{"google/protobuf/timestamp.proto"},
		Syntax:     proto.String("proto3"),
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/grpcapi"),
		},
	}
	for _, ms := range messageSpecs {
		md := &descriptorpb.DescriptorProto{Name: proto.String(ms.name)}
		for _, fs := range ms.fields {
			label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
			if fs.repeated {
				label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
			}
			f := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(fs.name),
				Number: proto.Int32(fs.num),
				Label:  label.Enum(),
				Type:   fs.typ.Enum(),
			}
			if fs.message != "" {
				f.TypeName = proto.String(fs.message)
			}
			md.Field = append(md.Field, f)
		}
		fdp.MessageType = append(fdp.MessageType, md)
	}

	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String("QueryEngine")}
	for _, m := range ServiceDesc.Methods {
		svc.Method = append(svc.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(".stdb.v1." + methodTypes[m.MethodName][0]),
			OutputType: proto.String(".stdb.v1." + methodTypes[m.MethodName][1]),
		})
	}
	fdp.Service = []*descriptorpb.ServiceDescriptorProto{svc}
	return fdp
}

// methodTypes maps each rpc to its request and response message names.
var methodTypes = map[string][2]string{
	"SubmitPoint":     {"SubmitPointRequest", "SubmitPointResponse"},
	"GetPoint":        {"GetPointRequest", "GetPointResponse"},
	"RangeQuery":      {"RangeQueryRequest", "RangeQueryResponse"},
	"NearestNeighbor": {"NearestNeighborRequest", "NearestNeighborResponse"},
	"StoreResult":     {"StoreResultRequest", "StoreResultResponse"},
	"GetResult":       {"GetResultRequest", "GetResultResponse"},
	"GetDecrypted":    {"GetDecryptedRequest", "GetDecryptedResponse"},
	"RequestReveal":   {"RequestRevealRequest", "RequestRevealResponse"},
	"RevealCallback":  {"RevealCallbackRequest", "RevealCallbackResponse"},
	"Stats":           {"StatsRequest", "StatsResponse"},
	"GetPublicKey":    {"GetPublicKeyRequest", "GetPublicKeyResponse"},
}
