// SPDX-License-Identifier: MPL-2.0

package wire

// This file builds and parses the handful of message shapes the G3
// service's three RPCs exchange. There is no IDL: shapes are documented
// here as the field tables the decoders below walk.

// DiscoveredInstance is one (vendor, product, trait, instance) tuple found
// in a GetInstances response.
type DiscoveredInstance struct {
	VendorID     int
	ProductID    int
	TraitID      int
	InstanceID   int
	ResourceID   string
}

// ParseInstances walks a GetInstancesResponse:
//
//	1 (repeated item) -> 1 (trait_info) -> 2 (external_data) -> {
//	  1 (resource_id) -> 1 (string)
//	  2 (inner_info) -> 1 (meta) -> {1 vendor_id, 2 product_id, 3 trait_id}
//	               -> 2 (instance_data) -> 1 (instance_id)
//	}
func ParseInstances(data []byte) ([]DiscoveredInstance, error) {
	fields, err := ParseFields(data)
	if err != nil {
		return nil, err
	}

	var out []DiscoveredInstance
	for _, item := range fields[1] {
		itemFields, err := ParseFields(item.Data)
		if err != nil {
			continue
		}
		traitInfo, ok := GetField(itemFields, 1)
		if !ok {
			continue
		}
		traitInfoFields, err := ParseFields(traitInfo.Data)
		if err != nil {
			continue
		}
		external, ok := GetField(traitInfoFields, 2)
		if !ok {
			continue
		}
		extFields, err := ParseFields(external.Data)
		if err != nil {
			continue
		}

		var resourceID string
		if resourceField, ok := GetField(extFields, 1); ok {
			if ridFields, err := ParseFields(resourceField.Data); err == nil {
				if rid, ok := GetField(ridFields, 1); ok {
					resourceID = rid.StringValue()
				}
			}
		}

		innerInfo, ok := GetField(extFields, 2)
		if !ok {
			continue
		}
		innerFields, err := ParseFields(innerInfo.Data)
		if err != nil {
			continue
		}

		metaField, ok := GetField(innerFields, 1)
		if !ok {
			continue
		}
		metaFields, err := ParseFields(metaField.Data)
		if err != nil {
			continue
		}
		vendorID := intFieldOrZero(metaFields, 1)
		productID := intFieldOrZero(metaFields, 2)
		traitID := intFieldOrZero(metaFields, 3)

		var instanceID int
		if instField, ok := GetField(innerFields, 2); ok {
			if iidFields, err := ParseFields(instField.Data); err == nil {
				instanceID = intFieldOrZero(iidFields, 1)
			}
		}

		out = append(out, DiscoveredInstance{
			VendorID:   vendorID,
			ProductID:  productID,
			TraitID:    traitID,
			InstanceID: instanceID,
			ResourceID: resourceID,
		})
	}
	return out, nil
}

func intFieldOrZero(fields map[int][]Field, num int) int {
	f, ok := GetField(fields, num)
	if !ok {
		return 0
	}
	v, err := f.IntValue()
	if err != nil {
		return 0
	}
	return int(v)
}

// BuildGetInstancesRequest builds the vendor/product filter frame both
// GetInstances and Subscribe expect.
func BuildGetInstancesRequest(vendorID, productID int) []byte {
	var filter []byte
	filter = EncodeVarintField(filter, 1, uint64(vendorID))
	filter = EncodeVarintField(filter, 2, uint64(productID))

	var result []byte
	result = EncodeBytesField(result, 1, filter)
	return result
}

// BuildGetRevisionRequest builds the nested request frame GetRevision
// expects to look up a single trait instance's current value.
func BuildGetRevisionRequest(vendorID, productID, traitID, instanceID int, panelResourceID string) []byte {
	var meta []byte
	meta = EncodeVarintField(meta, 1, uint64(vendorID))
	meta = EncodeVarintField(meta, 2, uint64(productID))
	meta = EncodeVarintField(meta, 3, uint64(traitID))
	meta = EncodeVarintField(meta, 4, 1) // version

	var resourceIDMsg []byte
	resourceIDMsg = EncodeStringField(resourceIDMsg, 1, panelResourceID)

	var iidMsg []byte
	iidMsg = EncodeVarintField(iidMsg, 1, uint64(instanceID))

	var instanceMeta []byte
	instanceMeta = EncodeBytesField(instanceMeta, 1, resourceIDMsg)
	instanceMeta = EncodeBytesField(instanceMeta, 2, iidMsg)

	var reqMetadata []byte
	reqMetadata = EncodeBytesField(reqMetadata, 2, resourceIDMsg)

	var revisionRequest []byte
	revisionRequest = EncodeBytesField(revisionRequest, 1, reqMetadata)

	var result []byte
	result = EncodeBytesField(result, 1, meta)
	result = EncodeBytesField(result, 2, instanceMeta)
	result = EncodeBytesField(result, 3, revisionRequest)
	return result
}

// ParseCircuitName extracts a circuit's display name from a GetRevision
// response: 3 (state_response) -> 2 (payload) -> 1 (raw) -> 4 (name string).
func ParseCircuitName(data []byte) (string, bool) {
	fields, err := ParseFields(data)
	if err != nil {
		return "", false
	}
	srField, ok := GetField(fields, 3)
	if !ok {
		return "", false
	}
	srFields, err := ParseFields(srField.Data)
	if err != nil {
		return "", false
	}
	payloadField, ok := GetField(srFields, 2)
	if !ok {
		return "", false
	}
	plFields, err := ParseFields(payloadField.Data)
	if err != nil {
		return "", false
	}
	rawField, ok := GetField(plFields, 1)
	if !ok {
		return "", false
	}
	nameFields, err := ParseFields(rawField.Data)
	if err != nil {
		return "", false
	}
	nameField, ok := GetField(nameFields, 4)
	if !ok {
		return "", false
	}
	return nameField.StringValue(), true
}

// Notification is one decoded TraitInstanceNotification from the Subscribe
// stream: which trait/instance it concerns, and the raw metric payloads
// nested inside it.
type Notification struct {
	TraitID        int
	InstanceID     int
	MetricPayloads [][]byte
}

// ParseNotification walks a TraitInstanceNotification:
//
//	1 (rti) -> 2 (external) -> 2 (info) -> {
//	  1 (meta) -> 3 (trait_id)
//	  2 (instance_data) -> 1 (instance_id)
//	}
//	2 (notify payload) -> 3 (repeated) -> 3 (repeated raw metric bytes)
func ParseNotification(data []byte) (Notification, bool) {
	fields, err := ParseFields(data)
	if err != nil {
		return Notification{}, false
	}

	rtiField, ok := GetField(fields, 1)
	if !ok {
		return Notification{}, false
	}
	rtiFields, err := ParseFields(rtiField.Data)
	if err != nil {
		return Notification{}, false
	}
	extField, ok := GetField(rtiFields, 2)
	if !ok {
		return Notification{}, false
	}
	extFields, err := ParseFields(extField.Data)
	if err != nil {
		return Notification{}, false
	}
	infoField, ok := GetField(extFields, 2)
	if !ok {
		return Notification{}, false
	}
	infoFields, err := ParseFields(infoField.Data)
	if err != nil {
		return Notification{}, false
	}

	var traitID int
	if metaField, ok := GetField(infoFields, 1); ok {
		if metaFields, err := ParseFields(metaField.Data); err == nil {
			traitID = intFieldOrZero(metaFields, 3)
		}
	}

	var instanceID int
	if iidField, ok := GetField(infoFields, 2); ok {
		if iidFields, err := ParseFields(iidField.Data); err == nil {
			instanceID = intFieldOrZero(iidFields, 1)
		}
	}

	notif := Notification{TraitID: traitID, InstanceID: instanceID}

	notifyField, ok := GetField(fields, 2)
	if !ok {
		return notif, true
	}
	notifyFields, err := ParseFields(notifyField.Data)
	if err != nil {
		return notif, true
	}
	for _, metricList := range notifyFields[3] {
		mlFields, err := ParseFields(metricList.Data)
		if err != nil {
			continue
		}
		for _, raw := range mlFields[3] {
			notif.MetricPayloads = append(notif.MetricPayloads, raw.Data)
		}
	}
	return notif, true
}
