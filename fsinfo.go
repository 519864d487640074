package fat32

import (
	"encoding/binary"
	"fmt"
)

const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000
	fsInfoUnknown   = 0xFFFFFFFF
)

// fsInfo is the FSInfo sector: advisory free-cluster count and the cluster
// the next allocation scan should start from. Either may be fsInfoUnknown.
type fsInfo struct {
	freeCount uint32
	nextFree  uint32
}

func parseFSInfo(b []byte) (fsInfo, error) {
	if binary.LittleEndian.Uint32(b[0:]) != fsInfoLeadSig ||
		binary.LittleEndian.Uint32(b[484:]) != fsInfoStructSig ||
		binary.LittleEndian.Uint32(b[508:]) != fsInfoTrailSig {
		return fsInfo{}, fmt.Errorf("invalid FSInfo signature")
	}

	return fsInfo{
		freeCount: binary.LittleEndian.Uint32(b[488:]),
		nextFree:  binary.LittleEndian.Uint32(b[492:]),
	}, nil
}

func (fi fsInfo) encode(b []byte) {
	clear(b[:BlockSize])
	binary.LittleEndian.PutUint32(b[0:], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(b[484:], fsInfoStructSig)
	binary.LittleEndian.PutUint32(b[488:], fi.freeCount)
	binary.LittleEndian.PutUint32(b[492:], fi.nextFree)
	binary.LittleEndian.PutUint32(b[508:], fsInfoTrailSig)
}
