package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/internal/utils"
)

// SynchronizedMemory is a device memory object shared by every allocation placed in it. Mapping is
// reference counted: the native object is mapped on the first reference and unmapped when the
// last reference is released.
type SynchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   hal.Memory
}

func (m *SynchronizedMemory) Memory() hal.Memory {
	return m.memory
}

func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		return m.mapData, nil
	}

	mappedData, err := m.memory.Map()
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

func (m *SynchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return nil
	}

	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *SynchronizedMemory) free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memory.Unmap()
		m.mapData = nil
		m.mapReferences = 0
	}

	m.memory.Free()
}
