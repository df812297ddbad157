package graph

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// MarshalXML serializes the graph to the wire schema. Synapses are
// written in id order and attributes in sorted key order so equal graphs
// produce byte-identical output.
func (g *Graph) MarshalXML() ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	root := xml.StartElement{
		Name: xml.Name{Local: "transition_graph"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "cluster-delay"}, Value: g.ClusterDelay},
			{Name: xml.Name{Local: "stonith-timeout"}, Value: g.StonithTimeout},
			{Name: xml.Name{Local: "failed-stop-offset"}, Value: g.FailedStopOffset},
			{Name: xml.Name{Local: "failed-start-offset"}, Value: g.FailedStartOffset},
			{Name: xml.Name{Local: "transition_id"}, Value: strconv.Itoa(g.TransitionID)},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}

	synapses := make([]*Synapse, len(g.Synapses))
	copy(synapses, g.Synapses)
	for i := 0; i < len(synapses); i++ {
		for j := i + 1; j < len(synapses); j++ {
			if synapses[j].ID < synapses[i].ID {
				synapses[i], synapses[j] = synapses[j], synapses[i]
			}
		}
	}

	for _, syn := range synapses {
		if err := encodeSynapse(enc, syn); err != nil {
			return nil, err
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeSynapse(enc *xml.Encoder, syn *Synapse) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "synapse"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: strconv.Itoa(syn.ID)},
			{Name: xml.Name{Local: "priority"}, Value: strconv.Itoa(syn.Priority)},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	set := xml.StartElement{Name: xml.Name{Local: "action_set"}}
	if err := enc.EncodeToken(set); err != nil {
		return err
	}
	if err := encodeAction(enc, syn.Action, true); err != nil {
		return err
	}
	if err := enc.EncodeToken(set.End()); err != nil {
		return err
	}

	if len(syn.Inputs) > 0 {
		inputs := xml.StartElement{Name: xml.Name{Local: "inputs"}}
		if err := enc.EncodeToken(inputs); err != nil {
			return err
		}
		for _, trig := range syn.Inputs {
			tr := xml.StartElement{Name: xml.Name{Local: "trigger"}}
			if err := enc.EncodeToken(tr); err != nil {
				return err
			}
			ref := xml.StartElement{
				Name: xml.Name{Local: string(trig.Kind)},
				Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: strconv.Itoa(trig.ID)}},
			}
			if err := enc.EncodeToken(ref); err != nil {
				return err
			}
			if err := enc.EncodeToken(ref.End()); err != nil {
				return err
			}
			if err := enc.EncodeToken(tr.End()); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(inputs.End()); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

func encodeAction(enc *xml.Encoder, act *Action, withAttributes bool) error {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "id"}, Value: strconv.Itoa(act.ID)},
	}
	if act.Operation != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "operation"}, Value: act.Operation})
	}
	if act.OperationKey != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "operation_key"}, Value: act.OperationKey})
	}
	if act.OnNode != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "on_node"}, Value: act.OnNode})
	}
	if act.OnNodeUUID != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "on_node_uuid"}, Value: act.OnNodeUUID})
	}

	start := xml.StartElement{Name: xml.Name{Local: string(act.Kind)}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	if withAttributes && len(act.Attrs) > 0 {
		attrEl := xml.StartElement{Name: xml.Name{Local: "attributes"}}
		for _, k := range sortedAttrKeys(act.Attrs) {
			attrEl.Attr = append(attrEl.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: act.Attrs[k]})
		}
		if err := enc.EncodeToken(attrEl); err != nil {
			return err
		}
		if err := enc.EncodeToken(attrEl.End()); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

// Unmarshal parses a transition graph from its wire XML form.
func Unmarshal(data []byte) (*Graph, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	g := &Graph{}
	rootSeen := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse transition graph: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "transition_graph":
			rootSeen = true
			for _, a := range start.Attr {
				switch a.Name.Local {
				case "cluster-delay":
					g.ClusterDelay = a.Value
				case "stonith-timeout":
					g.StonithTimeout = a.Value
				case "failed-stop-offset":
					g.FailedStopOffset = a.Value
				case "failed-start-offset":
					g.FailedStartOffset = a.Value
				case "transition_id":
					g.TransitionID, _ = strconv.Atoi(a.Value)
				}
			}
		case "synapse":
			if !rootSeen {
				return nil, fmt.Errorf("parse transition graph: synapse outside transition_graph")
			}
			syn, err := decodeSynapse(dec, start)
			if err != nil {
				return nil, err
			}
			g.Synapses = append(g.Synapses, syn)
		}
	}

	if !rootSeen {
		return nil, fmt.Errorf("parse transition graph: missing transition_graph element")
	}
	return g, nil
}

func decodeSynapse(dec *xml.Decoder, start xml.StartElement) (*Synapse, error) {
	syn := &Synapse{}
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "id":
			syn.ID, _ = strconv.Atoi(a.Value)
		case "priority":
			syn.Priority, _ = strconv.Atoi(a.Value)
		}
	}

	inActionSet := false
	inInputs := false
	inTrigger := false
	depth := 1

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse synapse %d: %w", syn.ID, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			switch el.Name.Local {
			case "action_set":
				inActionSet = true
			case "inputs":
				inInputs = true
			case "trigger":
				inTrigger = true
			case "rsc_op", "pseudo_event", "crm_event":
				if inActionSet {
					act, err := decodeAction(dec, el)
					if err != nil {
						return nil, err
					}
					// decodeAction consumed the end element
					depth--
					syn.Action = act
				} else if inInputs && inTrigger {
					trig := Trigger{Kind: ActionKind(el.Name.Local)}
					for _, a := range el.Attr {
						if a.Name.Local == "id" {
							trig.ID, _ = strconv.Atoi(a.Value)
						}
					}
					syn.Inputs = append(syn.Inputs, trig)
					if err := dec.Skip(); err != nil {
						return nil, err
					}
					depth--
				}
			case "attributes":
				// attributes outside an action element are not expected;
				// skip defensively
				if err := dec.Skip(); err != nil {
					return nil, err
				}
				depth--
			}
		case xml.EndElement:
			depth--
			switch el.Name.Local {
			case "action_set":
				inActionSet = false
			case "inputs":
				inInputs = false
			case "trigger":
				inTrigger = false
			}
		}
	}

	if syn.Action == nil {
		return nil, fmt.Errorf("parse synapse %d: missing action_set", syn.ID)
	}
	return syn, nil
}

func decodeAction(dec *xml.Decoder, start xml.StartElement) (*Action, error) {
	act := &Action{Kind: ActionKind(start.Name.Local)}
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "id":
			act.ID, _ = strconv.Atoi(a.Value)
		case "operation":
			act.Operation = a.Value
		case "operation_key":
			act.OperationKey = a.Value
		case "on_node":
			act.OnNode = a.Value
		case "on_node_uuid":
			act.OnNodeUUID = a.Value
		}
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse action %d: %w", act.ID, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if el.Name.Local == "attributes" {
				if act.Attrs == nil {
					act.Attrs = make(map[string]string, len(el.Attr))
				}
				for _, a := range el.Attr {
					act.Attrs[a.Name.Local] = a.Value
				}
			}
		case xml.EndElement:
			depth--
		}
	}
	return act, nil
}
