package server

import (
	"context"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/mdcache"
	"github.com/cubefs/mdcache/proto"
)

const (
	maxConflictRetries = 3

	permMask = uint32(0o7777)
)

// reply is what an operation leaves in its request record. strays are
// evaluated for purging once the request has released its pins.
type reply struct {
	resp   interface{}
	strays []*mdcache.Inode
}

// execute runs one client request through the ledger, retrying when the
// objects it locked changed under it.
func (s *Server) execute(ctx context.Context, op string, reqID proto.ReqID, req interface{}) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		var mdr *mdcache.MDRequest
		if mdr, err = s.cache.RequestStart(ctx, op, reqID, req); err != nil {
			return nil, err
		}
		err = s.cache.DispatchRequest(mdr)
		rep, _ := mdr.Reply.(*reply)
		if rep != nil {
			s.evalStrays(ctx, rep.strays)
		}
		if err == nil {
			if rep == nil || rep.resp == nil {
				return &proto.EmptyResponse{}, nil
			}
			return rep.resp, nil
		}
		if !apierrors.Is(err, apierrors.ErrLockOrderConflict) {
			return nil, err
		}
		span.Debugf("%s %s lost a lock race, retry %d", op, mdr.ReqID, i+1)
	}
	return nil, err
}

func (s *Server) evalStrays(ctx context.Context, strays []*mdcache.Inode) {
	span := trace.SpanFromContextSafe(ctx)
	for _, in := range strays {
		if _, err := s.cache.EvalStray(ctx, in); err != nil {
			span.Warnf("eval stray %s failed: %s", in, errors.Detail(err))
		}
	}
}

// DispatchClientRequest runs the operation carried by mdr.
func (s *Server) DispatchClientRequest(ctx context.Context, mdr *mdcache.MDRequest) error {
	rep := &reply{}
	mdr.Reply = rep

	var err error
	switch req := mdr.Client.(type) {
	case *proto.MkdirRequest:
		rep.resp, err = s.mknod(ctx, mdr, req.Path, proto.ModeDir|req.Mode&permMask)
	case *proto.CreateRequest:
		rep.resp, err = s.mknod(ctx, mdr, req.Path, proto.ModeReg|req.Mode&permMask)
	case *proto.LinkRequest:
		err = s.link(ctx, mdr, rep, req.Target, req.Path)
	case *proto.UnlinkRequest:
		err = s.unlink(ctx, mdr, rep, req.Path, req.Dir)
	case *proto.RenameRequest:
		err = s.rename(ctx, mdr, rep, req.Src, req.Dst)
	case *proto.LookupRequest:
		rep.resp, err = s.lookup(ctx, mdr, req.Path)
	case *proto.OpenRequest:
		rep.resp, err = s.open(ctx, mdr, req.Path)
	case *proto.ReleaseRequest:
		err = s.release(rep, req.Ino, req.Cap)
	default:
		err = apierrors.Wrapf(apierrors.ErrInvalidArgument, "unknown request %T", mdr.Client)
	}
	return err
}

// parentOf opens the fragment holding the last component of path.
func (s *Server) parentOf(ctx context.Context, mdr *mdcache.MDRequest, path string) (*mdcache.Dir, string, error) {
	names := mdcache.SplitPath(path)
	if len(names) == 0 {
		return nil, "", apierrors.Wrapf(apierrors.ErrInvalidArgument, "no name in %q", path)
	}
	name := names[len(names)-1]
	if name == ".." {
		return nil, "", apierrors.Wrapf(apierrors.ErrInvalidArgument, "bad name in %q", path)
	}
	_, diri, err := s.cache.PathTraverse(ctx, mdr, strings.Join(names[:len(names)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	dir, err := s.cache.OpenDirFrag(ctx, mdr.Mutation, diri)
	if err != nil {
		return nil, "", err
	}
	return dir, name, nil
}

// targetOf returns the inode dn links to, resolving a remote link.
func (s *Server) targetOf(ctx context.Context, dn *mdcache.Dentry) (*mdcache.Inode, error) {
	link := s.cache.DentryLinkage(dn)
	if link.Remote {
		in, err := s.cache.OpenRemoteDentry(ctx, dn)
		if apierrors.Is(err, apierrors.ErrNotFound) {
			return nil, apierrors.Wrapf(apierrors.ErrStaleLink, "%s", dn)
		}
		return in, err
	}
	if in := s.cache.DentryInode(dn); in != nil {
		return in, nil
	}
	return nil, apierrors.Wrapf(apierrors.ErrNotFound, "%s", dn)
}

// relinked returns the dentry name of dir if it still carries link.
func (s *Server) relinked(dir *mdcache.Dir, name string, link mdcache.Linkage) (*mdcache.Dentry, error) {
	dn := s.cache.Lookup(dir, name)
	if dn == nil || s.cache.DentryLinkage(dn) != link {
		return nil, apierrors.Wrapf(apierrors.ErrLockOrderConflict, "%s/%s changed while locking", dir, name)
	}
	return dn, nil
}

func (s *Server) checkEmpty(ctx context.Context, mdr *mdcache.MDRequest, in *mdcache.Inode) error {
	dir, err := s.cache.OpenDirFrag(ctx, mdr.Mutation, in)
	if err != nil {
		return err
	}
	if len(s.cache.ListDir(dir)) > 0 {
		return apierrors.Wrapf(apierrors.ErrNotEmpty, "%s", in)
	}
	return nil
}

func (s *Server) commit(ctx context.Context, mdr *mdcache.MDRequest, blob *journal.MetaBlob) error {
	ev := journal.NewEUpdate(mdr.Op, mdr.ReqID)
	ev.Blob = blob
	_, err := s.cache.SubmitMutation(ctx, mdr.Mutation, ev)
	return err
}

func (s *Server) mknod(ctx context.Context, mdr *mdcache.MDRequest, path string, mode uint32) (*proto.InodeResponse, error) {
	mut := mdr.Mutation
	dir, name, err := s.parentOf(ctx, mdr, path)
	if err != nil {
		return nil, err
	}
	if _, err = s.cache.LockParentsForLinkUnlink(ctx, mut, nil, dir, name, true); err != nil {
		return nil, err
	}
	if s.cache.Lookup(dir, name) != nil {
		return nil, apierrors.Wrapf(apierrors.ErrExist, "%q", path)
	}

	ino, err := s.inoAlloc.Alloc(ctx)
	if err != nil {
		return nil, errors.Info(err, "alloc ino failed")
	}
	now := time.Now().UnixNano()
	info := &proto.InodeInfo{
		Ino:     ino,
		Mode:    mode,
		Nlink:   1,
		Mtime:   now,
		Ctime:   now,
		Version: 1,
		Layout:  s.cache.DefaultFileLayout(),
	}
	info.Rstat.Rctime = now
	if proto.IsDirMode(mode) {
		info.Rstat.Rsubdirs = 1
	} else {
		info.Rstat.Rfiles = 1
	}

	in, err := s.cache.AddNewInode(ctx, mut, info)
	if err != nil {
		return nil, err
	}
	if _, err = s.cache.LinkPrimaryDentry(mut, dir, name, in); err != nil {
		return nil, err
	}
	var newDir *mdcache.Dir
	if in.IsDir() {
		if newDir, err = s.cache.NewDirFrag(mut, in); err != nil {
			return nil, err
		}
	}
	blob := journal.NewMetaBlob()
	if err = s.cache.PredirtyJournalParents(mut, blob, in, dir, mdcache.PredirtyPrimary|mdcache.PredirtyDir, 1); err != nil {
		return nil, err
	}
	if newDir != nil {
		fnode := s.cache.GetFnode(newDir)
		blob.AddDir(newDir.DirFrag(), &fnode, true)
	}
	if err = s.commit(ctx, mdr, blob); err != nil {
		return nil, err
	}
	return &proto.InodeResponse{Info: s.cache.GetInodeInfo(in)}, nil
}

func (s *Server) link(ctx context.Context, mdr *mdcache.MDRequest, rep *reply, target, path string) error {
	mut := mdr.Mutation
	_, tin, err := s.cache.PathTraverse(ctx, mdr, target)
	if err != nil {
		return err
	}
	if tin.IsDir() {
		return apierrors.Wrapf(apierrors.ErrIsDir, "hard link to %q", target)
	}
	dir, name, err := s.parentOf(ctx, mdr, path)
	if err != nil {
		return err
	}
	if _, err = s.cache.LockParentsForLinkUnlink(ctx, mut, nil, dir, name, true); err != nil {
		return err
	}
	if _, err = s.cache.LockObjectsForUpdate(ctx, mut, tin, true); err != nil {
		return err
	}
	if s.cache.Lookup(dir, name) != nil {
		return apierrors.Wrapf(apierrors.ErrExist, "%q", path)
	}

	now := time.Now().UnixNano()
	blob := journal.NewMetaBlob()
	if err = s.cache.UpdateInode(mut, tin, func(info *proto.InodeInfo) {
		info.Nlink++
		info.Ctime = now
	}); err != nil {
		return err
	}
	if err = s.cache.JournalDirtyInode(mut, blob, tin); err != nil {
		return err
	}
	dtype := proto.ModeToDType(s.cache.GetInodeInfo(tin).Mode)
	if _, err = s.cache.LinkRemoteDentry(mut, dir, name, tin.Ino(), dtype); err != nil {
		return err
	}
	if err = s.cache.PredirtyJournalParents(mut, blob, tin, dir, mdcache.PredirtyDir, 1); err != nil {
		return err
	}
	s.cache.JournalDentry(blob, dir, name)
	if err = s.commit(ctx, mdr, blob); err != nil {
		return err
	}
	rep.resp = &proto.InodeResponse{Info: s.cache.GetInodeInfo(tin)}
	return nil
}

// moveToStray relinks the primary dentry name of dir under the stray
// directory, dropping one link of in.
func (s *Server) moveToStray(mut *mdcache.Mutation, blob *journal.MetaBlob, dn *mdcache.Dentry, dir *mdcache.Dir, name string,
	in *mdcache.Inode, strayDir *mdcache.Dir, strayName string,
) error {
	if err := s.cache.PredirtyJournalParents(mut, blob, in, dir, mdcache.PredirtyPrimary|mdcache.PredirtyDir, -1); err != nil {
		return err
	}
	if err := s.cache.UnlinkDentry(mut, dn); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	if err := s.cache.UpdateInode(mut, in, func(info *proto.InodeInfo) {
		if info.IsDir() {
			info.Nlink = 0
		} else if info.Nlink > 0 {
			info.Nlink--
		}
		info.Ctime = now
	}); err != nil {
		return err
	}
	if _, err := s.cache.LinkPrimaryDentry(mut, strayDir, strayName, in); err != nil {
		return err
	}
	if err := s.cache.PredirtyJournalParents(mut, blob, in, strayDir, mdcache.PredirtyPrimary|mdcache.PredirtyDir, 1); err != nil {
		return err
	}
	s.cache.JournalDentry(blob, dir, name)
	return nil
}

// dropRemote removes the remote dentry name of dir and one link of its target.
func (s *Server) dropRemote(mut *mdcache.Mutation, blob *journal.MetaBlob, dn *mdcache.Dentry, dir *mdcache.Dir, name string, in *mdcache.Inode) error {
	if err := s.cache.PredirtyJournalParents(mut, blob, in, dir, mdcache.PredirtyDir, -1); err != nil {
		return err
	}
	if err := s.cache.UnlinkDentry(mut, dn); err != nil {
		return err
	}
	s.cache.JournalDentry(blob, dir, name)
	now := time.Now().UnixNano()
	if err := s.cache.UpdateInode(mut, in, func(info *proto.InodeInfo) {
		if info.Nlink > 0 {
			info.Nlink--
		}
		info.Ctime = now
	}); err != nil {
		return err
	}
	return s.cache.JournalDirtyInode(mut, blob, in)
}

func (s *Server) unlink(ctx context.Context, mdr *mdcache.MDRequest, rep *reply, path string, rmdir bool) error {
	mut := mdr.Mutation
	dir, name, err := s.parentOf(ctx, mdr, path)
	if err != nil {
		return err
	}
	dn := s.cache.Lookup(dir, name)
	if dn == nil {
		return apierrors.Wrapf(apierrors.ErrNotFound, "%q", path)
	}
	link := s.cache.DentryLinkage(dn)
	in, err := s.targetOf(ctx, dn)
	if err != nil {
		return err
	}
	switch {
	case in.IsDir() && !rmdir:
		return apierrors.Wrapf(apierrors.ErrIsDir, "%q", path)
	case !in.IsDir() && rmdir:
		return apierrors.Wrapf(apierrors.ErrNotDir, "%q", path)
	}

	blob := journal.NewMetaBlob()
	if link.Remote {
		if _, err = s.cache.LockParentsForLinkUnlink(ctx, mut, nil, dir, name, true); err != nil {
			return err
		}
		if _, err = s.cache.LockObjectsForUpdate(ctx, mut, in, true); err != nil {
			return err
		}
		if dn, err = s.relinked(dir, name, link); err != nil {
			return err
		}
		if err = s.dropRemote(mut, blob, dn, dir, name, in); err != nil {
			return err
		}
		if err = s.commit(ctx, mdr, blob); err != nil {
			return err
		}
		rep.strays = append(rep.strays, in)
		return nil
	}

	if _, err = s.cache.LockParentsForLinkUnlink(ctx, mut, in, dir, name, true); err != nil {
		return err
	}
	strayDir, strayName, err := s.cache.GetOrCreateStrayDentry(ctx, in)
	if err != nil {
		return err
	}
	if _, err = s.cache.LockParentsForLinkUnlink(ctx, mut, in, strayDir, strayName, true); err != nil {
		return err
	}
	if dn, err = s.relinked(dir, name, link); err != nil {
		return err
	}
	if rmdir {
		if err = s.checkEmpty(ctx, mdr, in); err != nil {
			return err
		}
	}
	if err = s.moveToStray(mut, blob, dn, dir, name, in, strayDir, strayName); err != nil {
		return err
	}
	if err = s.commit(ctx, mdr, blob); err != nil {
		return err
	}
	rep.strays = append(rep.strays, in)
	return nil
}

func (s *Server) rename(ctx context.Context, mdr *mdcache.MDRequest, rep *reply, src, dst string) error {
	mut := mdr.Mutation
	srcDir, srcName, err := s.parentOf(ctx, mdr, src)
	if err != nil {
		return err
	}
	destDir, destName, err := s.parentOf(ctx, mdr, dst)
	if err != nil {
		return err
	}
	srcDn := s.cache.Lookup(srcDir, srcName)
	if srcDn == nil {
		return apierrors.Wrapf(apierrors.ErrNotFound, "%q", src)
	}
	srcLink := s.cache.DentryLinkage(srcDn)
	in, err := s.targetOf(ctx, srcDn)
	if err != nil {
		return err
	}

	var (
		oldIn    *mdcache.Inode
		destLink mdcache.Linkage
	)
	if destDn := s.cache.Lookup(destDir, destName); destDn != nil {
		destLink = s.cache.DentryLinkage(destDn)
		if destLink.Ino == srcLink.Ino {
			return nil
		}
		if oldIn, err = s.targetOf(ctx, destDn); err != nil {
			return err
		}
		switch {
		case in.IsDir() && !oldIn.IsDir():
			return apierrors.Wrapf(apierrors.ErrNotDir, "%q", dst)
		case !in.IsDir() && oldIn.IsDir():
			return apierrors.Wrapf(apierrors.ErrIsDir, "%q", dst)
		}
	}

	r := &mdcache.RenameLocks{
		SrcDir:   srcDir,
		SrcName:  srcName,
		DestDir:  destDir,
		DestName: destName,
		In:       in,
		OldIn:    oldIn,
	}
	if oldIn != nil && !destLink.Remote {
		if r.StrayDir, r.StrayName, err = s.cache.GetOrCreateStrayDentry(ctx, oldIn); err != nil {
			return err
		}
	}
	if _, err = s.cache.LockParentsForRename(ctx, mut, r, true); err != nil {
		return err
	}
	strayDir, strayName := r.StrayDir, r.StrayName
	// a remote link may have become primary before locking
	if srcDn, err = s.relinked(srcDir, srcName, srcLink); err != nil {
		return err
	}
	var destDn *mdcache.Dentry
	if oldIn != nil {
		if destDn, err = s.relinked(destDir, destName, destLink); err != nil {
			return err
		}
		if oldIn.IsDir() {
			if err = s.checkEmpty(ctx, mdr, oldIn); err != nil {
				return err
			}
		}
	} else if s.cache.Lookup(destDir, destName) != nil {
		return apierrors.Wrapf(apierrors.ErrLockOrderConflict, "%q linked while locking", dst)
	}

	blob := journal.NewMetaBlob()
	if oldIn != nil {
		if destLink.Remote {
			err = s.dropRemote(mut, blob, destDn, destDir, destName, oldIn)
		} else {
			err = s.moveToStray(mut, blob, destDn, destDir, destName, oldIn, strayDir, strayName)
		}
		if err != nil {
			return err
		}
	}

	if srcLink.Remote {
		if err = s.cache.PredirtyJournalParents(mut, blob, in, srcDir, mdcache.PredirtyDir, -1); err != nil {
			return err
		}
		if err = s.cache.UnlinkDentry(mut, srcDn); err != nil {
			return err
		}
		if _, err = s.cache.LinkRemoteDentry(mut, destDir, destName, srcLink.Ino, srcLink.DType); err != nil {
			return err
		}
		if err = s.cache.PredirtyJournalParents(mut, blob, in, destDir, mdcache.PredirtyDir, 1); err != nil {
			return err
		}
	} else {
		if err = s.cache.PredirtyJournalParents(mut, blob, in, srcDir, mdcache.PredirtyPrimary|mdcache.PredirtyDir, -1); err != nil {
			return err
		}
		if err = s.cache.UnlinkDentry(mut, srcDn); err != nil {
			return err
		}
		if _, err = s.cache.LinkPrimaryDentry(mut, destDir, destName, in); err != nil {
			return err
		}
		if err = s.cache.PredirtyJournalParents(mut, blob, in, destDir, mdcache.PredirtyPrimary|mdcache.PredirtyDir, 1); err != nil {
			return err
		}
	}
	s.cache.JournalDentry(blob, srcDir, srcName)
	s.cache.JournalDentry(blob, destDir, destName)
	if err = s.commit(ctx, mdr, blob); err != nil {
		return err
	}
	if oldIn != nil {
		rep.strays = append(rep.strays, oldIn)
	}
	return nil
}

func (s *Server) lookup(ctx context.Context, mdr *mdcache.MDRequest, path string) (*proto.InodeResponse, error) {
	_, in, err := s.cache.PathTraverse(ctx, mdr, path)
	if err != nil {
		return nil, err
	}
	return &proto.InodeResponse{Info: s.cache.GetInodeInfo(in)}, nil
}

func (s *Server) open(ctx context.Context, mdr *mdcache.MDRequest, path string) (*proto.OpenResponse, error) {
	_, in, err := s.cache.PathTraverse(ctx, mdr, path)
	if err != nil {
		return nil, err
	}
	capID := s.cache.GetNewCapID()
	s.cache.AddCap(in, capID)
	return &proto.OpenResponse{Info: s.cache.GetInodeInfo(in), Cap: capID}, nil
}

func (s *Server) release(rep *reply, ino proto.Ino, capID proto.CapID) error {
	in := s.cache.GetInodeByIno(ino)
	if in == nil {
		return apierrors.Wrapf(apierrors.ErrNotFound, "%#x", uint64(ino))
	}
	if err := s.cache.RemoveCap(in, capID); err != nil {
		return err
	}
	rep.strays = append(rep.strays, in)
	return nil
}
