package hub

import (
	"sort"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
)

// Stats is a point-in-time view of the registry.
type Stats struct {
	Instance    string         `json:"instance"`
	Connections int            `json:"connections"`
	Topics      map[string]int `json:"topics"`
	Roles       map[string]int `json:"roles"`
}

type member struct {
	conn   Conn
	topics map[string]struct{}
}

// registry tracks connections and topic subscriptions. It is owned by the hub
// loop and is not safe for concurrent use.
type registry struct {
	conns  map[string]*member
	topics map[string]map[string]Conn // topic -> connID -> conn
}

func newRegistry() *registry {
	return &registry{
		conns:  make(map[string]*member),
		topics: make(map[string]map[string]Conn),
	}
}

// add registers conn if new. It reports whether the connection was new.
func (r *registry) add(conn Conn) bool {
	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}
	r.conns[conn.ID()] = &member{conn: conn, topics: make(map[string]struct{})}
	return true
}

// remove drops a connection and all of its subscriptions, returning the
// connection and how many subscriptions were dropped.
func (r *registry) remove(id string) (Conn, int, bool) {
	m, ok := r.conns[id]
	if !ok {
		return nil, 0, false
	}
	for topic := range m.topics {
		r.dropSubscriber(topic, id)
	}
	delete(r.conns, id)
	return m.conn, len(m.topics), true
}

// subscribe reports whether the subscription was added.
func (r *registry) subscribe(id, topic string) (bool, error) {
	m, ok := r.conns[id]
	if !ok {
		return false, ErrUnknownConn
	}
	if _, ok := m.topics[topic]; ok {
		return false, nil
	}
	m.topics[topic] = struct{}{}
	subs := r.topics[topic]
	if subs == nil {
		subs = make(map[string]Conn)
		r.topics[topic] = subs
	}
	subs[id] = m.conn
	return true, nil
}

// unsubscribe reports whether a subscription was removed.
func (r *registry) unsubscribe(id, topic string) bool {
	m, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, ok := m.topics[topic]; !ok {
		return false
	}
	delete(m.topics, topic)
	r.dropSubscriber(topic, id)
	return true
}

func (r *registry) dropSubscriber(topic, id string) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// subscribers returns a snapshot of topic's subscribers ordered by connection id.
func (r *registry) subscribers(topic string) []Conn {
	subs := r.topics[topic]
	out := make([]Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *registry) topicsOf(id string) []string {
	m, ok := r.conns[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *registry) all() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for _, m := range r.conns {
		out = append(out, m.conn)
	}
	return out
}

func (r *registry) stats() Stats {
	s := Stats{
		Connections: len(r.conns),
		Topics:      make(map[string]int, len(r.topics)),
		Roles:       make(map[string]int, len(auth.Roles)),
	}
	for topic, subs := range r.topics {
		s.Topics[topic] = len(subs)
	}
	for _, m := range r.conns {
		s.Roles[string(m.conn.Identity().Role)]++
	}
	return s
}
