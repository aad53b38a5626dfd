package protocol

// OutboundCompression maps actor ref paths and class manifests to small
// integer ids agreed with one peer. The table internals live elsewhere; the
// encoder only consults this view.
type OutboundCompression interface {
    CompressActorRef(ref string) (int32, bool)
    CompressClassManifest(manifest string) (int32, bool)
}

// InboundCompression reverses the substitution for frames received from one
// originating incarnation.
type InboundCompression interface {
    ActorRefByID(id int32) (string, bool)
    ClassManifestByID(id int32) (string, bool)
}
