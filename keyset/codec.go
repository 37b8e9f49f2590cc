package keyset

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	keysetIDType      tlv.Type = 0
	keysetAppKeyType  tlv.Type = 1
	keysetHwKeyType   tlv.Type = 2
	keysetSrvKeyType  tlv.Type = 3
	keysetNetworkType tlv.Type = 4
)

// EncodeSpendingKeyset writes the keyset as a TLV stream.
func EncodeSpendingKeyset(w io.Writer, k *SpendingKeyset) error {
	var (
		id      = []byte(k.ID)
		appKey  = []byte(k.AppKey.String())
		hwKey   = []byte(k.HardwareKey.String())
		srvKey  = []byte(k.ServerKey.String())
		network = []byte(k.Network.Name)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(keysetIDType, &id),
		tlv.MakePrimitiveRecord(keysetAppKeyType, &appKey),
		tlv.MakePrimitiveRecord(keysetHwKeyType, &hwKey),
		tlv.MakePrimitiveRecord(keysetSrvKeyType, &srvKey),
		tlv.MakePrimitiveRecord(keysetNetworkType, &network),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeSpendingKeyset reads a keyset written by EncodeSpendingKeyset.
func DecodeSpendingKeyset(r io.Reader) (*SpendingKeyset, error) {
	var id, appKey, hwKey, srvKey, network []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(keysetIDType, &id),
		tlv.MakePrimitiveRecord(keysetAppKeyType, &appKey),
		tlv.MakePrimitiveRecord(keysetHwKeyType, &hwKey),
		tlv.MakePrimitiveRecord(keysetSrvKeyType, &srvKey),
		tlv.MakePrimitiveRecord(keysetNetworkType, &network),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	return NewSpendingKeyset(
		string(id), string(appKey), string(hwKey), string(srvKey),
		string(network),
	)
}

// NewSpendingKeyset builds a keyset from its string encoded parts, as they
// are exchanged with the server and stored on disk.
func NewSpendingKeyset(id, appKey, hwKey, srvKey,
	network string) (*SpendingKeyset, error) {

	params, err := NetworkFromName(network)
	if err != nil {
		return nil, err
	}

	app, err := ParseDescriptorPublicKey(appKey)
	if err != nil {
		return nil, err
	}

	hw, err := ParseDescriptorPublicKey(hwKey)
	if err != nil {
		return nil, err
	}

	srv, err := ParseDescriptorPublicKey(srvKey)
	if err != nil {
		return nil, err
	}

	return &SpendingKeyset{
		ID:          id,
		AppKey:      app,
		HardwareKey: hw,
		ServerKey:   srv,
		Network:     params,
	}, nil
}

func serializeKeyset(k *SpendingKeyset) ([]byte, error) {
	var b bytes.Buffer
	if err := EncodeSpendingKeyset(&b, k); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
