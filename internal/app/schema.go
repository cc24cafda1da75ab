package app

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExplorerServiceName is the fully-qualified name of the explorer
// service.
const ExplorerServiceName = "explorer.v1.ExplorerService"

// Procedure paths of the explorer service.
const (
	ExplorerServiceListContextsProcedure     = "/explorer.v1.ExplorerService/ListContexts"
	ExplorerServiceListResourcesProcedure    = "/explorer.v1.ExplorerService/ListResources"
	ExplorerServiceListObjectsProcedure      = "/explorer.v1.ExplorerService/ListObjects"
	ExplorerServiceListWatchesProcedure      = "/explorer.v1.ExplorerService/ListWatches"
	ExplorerServiceAddWatchProcedure         = "/explorer.v1.ExplorerService/AddWatch"
	ExplorerServiceRemoveWatchProcedure      = "/explorer.v1.ExplorerService/RemoveWatch"
	ExplorerServiceHighlightWatchProcedure   = "/explorer.v1.ExplorerService/HighlightWatch"
	ExplorerServiceUnhighlightWatchProcedure = "/explorer.v1.ExplorerService/UnhighlightWatch"
	ExplorerServiceGetGraphProcedure         = "/explorer.v1.ExplorerService/GetGraph"
	ExplorerServiceWatchGraphProcedure       = "/explorer.v1.ExplorerService/WatchGraph"
	ExplorerServiceUpdateObjectProcedure     = "/explorer.v1.ExplorerService/UpdateObject"
	ExplorerServiceDeleteObjectProcedure     = "/explorer.v1.ExplorerService/DeleteObject"
)

// The explorer API carries JSON documents, so every method takes and
// returns the well-known Struct or Empty messages. The service
// descriptor is assembled at init and registered globally, which lets
// reflection clients and connect schemas resolve it like generated
// code.
type methodShape struct {
	name            string
	input           protoreflect.FullName
	output          protoreflect.FullName
	serverStreaming bool
}

var (
	emptyMessage  = (&emptypb.Empty{}).ProtoReflect().Descriptor().FullName()
	structMessage = (&structpb.Struct{}).ProtoReflect().Descriptor().FullName()
)

var explorerMethods = []methodShape{
	{name: "ListContexts", input: emptyMessage, output: structMessage},
	{name: "ListResources", input: structMessage, output: structMessage},
	{name: "ListObjects", input: structMessage, output: structMessage},
	{name: "ListWatches", input: emptyMessage, output: structMessage},
	{name: "AddWatch", input: structMessage, output: structMessage},
	{name: "RemoveWatch", input: structMessage, output: emptyMessage},
	{name: "HighlightWatch", input: structMessage, output: emptyMessage},
	{name: "UnhighlightWatch", input: emptyMessage, output: emptyMessage},
	{name: "GetGraph", input: emptyMessage, output: structMessage},
	{name: "WatchGraph", input: emptyMessage, output: structMessage, serverStreaming: true},
	{name: "UpdateObject", input: structMessage, output: structMessage},
	{name: "DeleteObject", input: structMessage, output: emptyMessage},
}

var explorerService = mustRegisterExplorerService()

func mustRegisterExplorerService() protoreflect.ServiceDescriptor {
	sd, err := registerExplorerService(protoregistry.GlobalFiles)
	if err != nil {
		panic(err)
	}
	return sd
}

func registerExplorerService(files *protoregistry.Files) (protoreflect.ServiceDescriptor, error) {
	fd, err := protodesc.NewFile(explorerFileProto(), files)
	if err != nil {
		return nil, fmt.Errorf("build explorer descriptor: %w", err)
	}
	if err := files.RegisterFile(fd); err != nil {
		return nil, fmt.Errorf("register explorer descriptor: %w", err)
	}
	return fd.Services().ByName("ExplorerService"), nil
}

func explorerFileProto() *descriptorpb.FileDescriptorProto {
	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String("ExplorerService")}
	for _, m := range explorerMethods {
		md := &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.name),
			InputType:  proto.String("." + string(m.input)),
			OutputType: proto.String("." + string(m.output)),
		}
		if m.serverStreaming {
			md.ServerStreaming = proto.Bool(true)
		}
		svc.Method = append(svc.Method, md)
	}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("explorer/v1/explorer.proto"),
		Package: proto.String("explorer.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			emptypb.File_google_protobuf_empty_proto.Path(),
			structpb.File_google_protobuf_struct_proto.Path(),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{svc},
	}
}

// explorerMethod returns the descriptor of the named method.
func explorerMethod(name string) protoreflect.MethodDescriptor {
	return explorerService.Methods().ByName(protoreflect.Name(name))
}
