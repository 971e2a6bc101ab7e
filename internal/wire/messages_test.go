// SPDX-License-Identifier: MPL-2.0

package wire

import "testing"

func buildDiscoveredItem(vendorID, productID, traitID, instanceID int, resourceID string) []byte {
	var meta []byte
	meta = EncodeVarintField(meta, 1, uint64(vendorID))
	meta = EncodeVarintField(meta, 2, uint64(productID))
	meta = EncodeVarintField(meta, 3, uint64(traitID))

	var instanceData []byte
	instanceData = EncodeVarintField(instanceData, 1, uint64(instanceID))

	var resourceIDMsg []byte
	resourceIDMsg = EncodeStringField(resourceIDMsg, 1, resourceID)

	var innerInfo []byte
	innerInfo = EncodeBytesField(innerInfo, 1, meta)
	innerInfo = EncodeBytesField(innerInfo, 2, instanceData)

	var external []byte
	external = EncodeBytesField(external, 1, resourceIDMsg)
	external = EncodeBytesField(external, 2, innerInfo)

	var traitInfo []byte
	traitInfo = EncodeBytesField(traitInfo, 2, external)

	var item []byte
	item = EncodeBytesField(item, 1, traitInfo)
	return item
}

func TestParseInstances(t *testing.T) {
	var top []byte
	top = EncodeBytesField(top, 1, buildDiscoveredItem(VendorSpan, ProductGen3Panel, TraitCircuitNames, 5, "panel-1"))
	top = EncodeBytesField(top, 1, buildDiscoveredItem(VendorSpan, ProductGen3Panel, TraitPowerMetrics, 7, "panel-1"))

	instances, err := ParseInstances(top)
	if err != nil {
		t.Fatalf("ParseInstances: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}

	if instances[0].VendorID != VendorSpan || instances[0].TraitID != TraitCircuitNames || instances[0].InstanceID != 5 {
		t.Errorf("instance 0 = %+v, unexpected", instances[0])
	}
	if instances[0].ResourceID != "panel-1" {
		t.Errorf("instance 0 resource = %q, want panel-1", instances[0].ResourceID)
	}
	if instances[1].TraitID != TraitPowerMetrics || instances[1].InstanceID != 7 {
		t.Errorf("instance 1 = %+v, unexpected", instances[1])
	}
}

func TestParseInstancesEmpty(t *testing.T) {
	instances, err := ParseInstances(nil)
	if err != nil {
		t.Fatalf("ParseInstances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("got %d instances, want 0", len(instances))
	}
}

func TestParseNotification(t *testing.T) {
	const traitID = 26
	const instanceID = 7

	var metaFields []byte
	metaFields = EncodeVarintField(metaFields, 3, uint64(traitID))

	var iidFields []byte
	iidFields = EncodeVarintField(iidFields, 1, uint64(instanceID))

	var infoFields []byte
	infoFields = EncodeBytesField(infoFields, 1, metaFields)
	infoFields = EncodeBytesField(infoFields, 2, iidFields)

	var extFields []byte
	extFields = EncodeBytesField(extFields, 2, infoFields)

	var rtiFields []byte
	rtiFields = EncodeBytesField(rtiFields, 2, extFields)

	var top []byte
	top = EncodeBytesField(top, 1, rtiFields)

	var mlFields []byte
	mlFields = EncodeBytesField(mlFields, 3, []byte("metricA"))
	mlFields = EncodeBytesField(mlFields, 3, []byte("metricB"))

	var notifyFields []byte
	notifyFields = EncodeBytesField(notifyFields, 3, mlFields)

	top = EncodeBytesField(top, 2, notifyFields)

	notif, ok := ParseNotification(top)
	if !ok {
		t.Fatal("expected to parse a notification")
	}
	if notif.TraitID != traitID {
		t.Errorf("TraitID = %d, want %d", notif.TraitID, traitID)
	}
	if notif.InstanceID != instanceID {
		t.Errorf("InstanceID = %d, want %d", notif.InstanceID, instanceID)
	}
	if len(notif.MetricPayloads) != 2 {
		t.Fatalf("got %d metric payloads, want 2", len(notif.MetricPayloads))
	}
	if string(notif.MetricPayloads[0]) != "metricA" || string(notif.MetricPayloads[1]) != "metricB" {
		t.Errorf("metric payloads = %q, %q", notif.MetricPayloads[0], notif.MetricPayloads[1])
	}
}

func TestParseNotificationMissingRTI(t *testing.T) {
	_, ok := ParseNotification([]byte{})
	if ok {
		t.Fatal("expected ok=false for an empty buffer")
	}
}
