package virtio

// Feature bits this module advertises, per §3 "Feature bits". Values
// match the virtio-net and virtio transport feature bit numbers from the
// virtio 1.0 specification.
const (
	FeatureCSUM              = 1 << 0
	FeatureGuestCSUM         = 1 << 1
	FeatureCtrlGuestOffloads = 1 << 2
	FeatureMTU               = 1 << 3
	FeatureHostTSO4          = 1 << 11
	FeatureHostTSO6          = 1 << 12
	FeatureHostECN           = 1 << 13
	FeatureHostUFO           = 1 << 14
	FeatureGuestTSO4         = 1 << 7
	FeatureGuestTSO6         = 1 << 8
	FeatureGuestECN          = 1 << 9
	FeatureGuestUFO          = 1 << 10
	FeatureMQ                = 1 << 22
	FeatureCtrlVQ            = 1 << 17
	FeatureIOMMUPlatform     = 1 << 33
	FeatureEventIdx          = 1 << 29 // VIRTIO_RING_F_EVENT_IDX
	FeatureVersion1          = 1 << 32
)

// DefaultFeatures is the set this module advertises unconditionally, per
// §3: every bit named there except MQ (implied) and IOMMU_PLATFORM
// (optional, added by the caller when it owns an IOMMU).
const DefaultFeatures = FeatureCSUM |
	FeatureGuestCSUM |
	FeatureGuestTSO4 |
	FeatureGuestTSO6 |
	FeatureGuestUFO |
	FeatureGuestECN |
	FeatureHostTSO4 |
	FeatureHostTSO6 |
	FeatureHostUFO |
	FeatureHostECN |
	FeatureCtrlGuestOffloads |
	FeatureCtrlVQ |
	FeatureVersion1 |
	FeatureEventIdx

// AckFeatures returns the subset of requested that were actually
// advertised, silently dropping any bit the guest asked for that wasn't
// offered (§4.1 "ack_features(value) ... silently drop others").
func AckFeatures(advertised, requested uint64) uint64 {
	return advertised & requested
}
