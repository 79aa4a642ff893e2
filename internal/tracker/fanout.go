package tracker

import (
	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
)

// offer is one negotiation payload supplied by an announcing peer.
type offer struct {
	id  interface{}
	sdp interface{}
}

// planOffers validates the offers that fan-out will relay in a swarm of
// members peers and returns them. Nothing is checked, and nil is returned,
// when fan-out is a no-op: the sender is alone, offers is absent or numwant
// is not an integer. Only the first target items are inspected.
func (e *Engine) planOffers(msg model.Message, members int) ([]offer, error) {
	if members <= 1 {
		return nil, nil
	}
	raw, ok := msg[model.FieldOffers]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, ErrOffersNotArray
	}
	numwant, ok := msg.Int(model.FieldNumWant)
	if !ok {
		return nil, nil
	}

	target := min(members-1, len(items), e.settings.MaxOffers, numwant)
	if target <= 0 {
		return nil, nil
	}
	offers := make([]offer, 0, target)
	for _, item := range items[:target] {
		obj, ok := model.Object(item)
		if !ok {
			return nil, ErrInvalidOfferItem
		}
		payload, ok := model.Object(obj[model.FieldOffer])
		if !ok {
			return nil, ErrInvalidOfferField
		}
		offers = append(offers, offer{id: obj[model.FieldOfferID], sdp: payload[model.FieldSDP]})
	}
	return offers, nil
}

// sendOffers relays from's offers to other members of swarm, one offer per
// recipient.
//
// When there are enough offers for every other member, each gets exactly one
// in member order. Otherwise the scan starts at a random member and walks the
// list circularly, skipping from itself, until every offer was sent.
func (e *Engine) sendOffers(swarm *Swarm, from *Peer, offers []offer) {
	members := swarm.Members()
	others := len(members) - 1
	target := min(others, len(offers))
	if target <= 0 {
		return
	}

	if target == others {
		i := 0
		for _, to := range members {
			if to == from {
				continue
			}
			e.sendOffer(offers[i], from, to)
			i++
		}
	} else {
		pos := e.rand.Intn(len(members))
		for i := 0; i < target; {
			to := members[pos]
			if to != from {
				e.sendOffer(offers[i], from, to)
				i++
			}
			pos++
			if pos == len(members) {
				pos = 0
			}
		}
	}

	metrics.AddOffersSent(target)
}

func (e *Engine) sendOffer(o offer, from, to *Peer) {
	e.send(model.NewOfferMessage(from.infoHash, o.id, from.ID, o.sdp), to.conn)
}
